package sign

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURLMACDistinguishesEveryField(t *testing.T) {
	s := New("test-secret")
	base := s.URLMAC("http://x.test", 0, "r1", "i1")

	assert.NotEqual(t, base, s.URLMAC("http://y.test", 0, "r1", "i1"))
	assert.NotEqual(t, base, s.URLMAC("http://x.test", 1, "r1", "i1"))
	assert.NotEqual(t, base, s.URLMAC("http://x.test", 0, "r2", "i1"))
	assert.NotEqual(t, base, s.URLMAC("http://x.test", 0, "r1", "i2"))
	assert.Equal(t, base, s.URLMAC("http://x.test", 0, "r1", "i1"))
}

func TestMACsDependOnSecret(t *testing.T) {
	a := New("secret-a")
	b := New("secret-b")
	assert.NotEqual(t, a.OpenMAC("r1", "i1"), b.OpenMAC("r1", "i1"))
	assert.NotEqual(t, a.UnsubscribeMAC("r1", "c1"), b.UnsubscribeMAC("r1", "c1"))
}

func TestVerify(t *testing.T) {
	s := New("test-secret")
	mac := s.OpenMAC("r1", "i1")
	assert.True(t, Verify(mac, s.OpenMAC("r1", "i1")))
	assert.False(t, Verify(mac, s.OpenMAC("r1", "i2")))
	assert.False(t, Verify("", mac))
}
