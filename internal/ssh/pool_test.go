package ssh

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpointKeyDistinguishesUserHostKey(t *testing.T) {
	a := Endpoint{Host: "10.0.0.1", User: "root", KeyPath: "/k1"}
	b := Endpoint{Host: "10.0.0.1", User: "root", KeyPath: "/k2"}
	c := Endpoint{Host: "10.0.0.1", User: "deploy", KeyPath: "/k1"}

	assert.NotEqual(t, a.key(), b.key())
	assert.NotEqual(t, a.key(), c.key())
	assert.Equal(t, a.key(), Endpoint{Host: "10.0.0.1", User: "root", KeyPath: "/k1"}.key())
}

func TestEndpointDefaultsPort22(t *testing.T) {
	e := Endpoint{Host: "h"}
	assert.Equal(t, 22, e.port())
	assert.Equal(t, "h:22", e.addr())
}

func TestIsTransportErrClassification(t *testing.T) {
	assert.True(t, isTransportErr(errors.New("read: connection reset by peer")))
	assert.True(t, isTransportErr(errors.New("EOF")))
	assert.False(t, isTransportErr(nil))
	assert.False(t, isTransportErr(errors.New("some remote command error")))
}

func TestPoolGetReusesSameEndpointSession(t *testing.T) {
	p := NewPool()
	ep := Endpoint{Host: "10.0.0.1", User: "root", KeyPath: "/k"}
	hs1 := p.get(ep)
	hs2 := p.get(ep)
	assert.Same(t, hs1, hs2)
}
