package noisetunnel

import (
	"crypto/rand"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	cookieSize      = 16
	cookieNonceSize = 24
	// cookieReplySize is nonce (24) + cookie (16) + Poly1305 tag (16).
	cookieReplySize = cookieNonceSize + cookieSize + chacha20poly1305.Overhead

	// cookieBucketSeconds is the time window a cookie stays valid for.
	cookieBucketSeconds = 120
)

// CookieManager computes, encrypts, and validates the anti-DoS cookie
// used to gate MAC2 once the server is under handshake load.
type CookieManager struct {
	mu     sync.RWMutex
	secret [32]byte
	now    func() time.Time
}

func NewCookieManager() (*CookieManager, error) {
	cm := &CookieManager{now: time.Now}
	if _, err := rand.Read(cm.secret[:]); err != nil {
		return nil, err
	}
	return cm, nil
}

// computeCookieValue derives cookie_value = BLAKE2s-128(secret, ip ||
// time_bucket), rotating naturally every cookieBucketSeconds.
func (cm *CookieManager) computeCookieValue(clientIP netip.Addr, bucket int64) []byte {
	cm.mu.RLock()
	secret := cm.secret
	cm.mu.RUnlock()

	ip16 := clientIP.As16()
	data := make([]byte, 0, 18)
	data = append(data, ip16[:]...)
	data = append(data, byte(bucket), byte(bucket>>8))

	h, _ := blake2s.New128(secret[:])
	h.Write(data)
	return h.Sum(nil)
}

func (cm *CookieManager) currentCookie(clientIP netip.Addr) []byte {
	return cm.computeCookieValue(clientIP, cm.now().Unix()/cookieBucketSeconds)
}

func deriveCookieEncryptionKey(serverPubKey, clientEphemeral []byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte("cookie"))
	h.Write([]byte(protocolID))
	h.Write([]byte{byte(protocolVersion)})
	h.Write(serverPubKey)
	h.Write(clientEphemeral)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// createCookieReply encrypts the current cookie value to a key derived
// from the server's static key and the peer's ephemeral key, so only
// the peer that sent this particular handshake attempt can decrypt it.
func (cm *CookieManager) createCookieReply(clientIP netip.Addr, clientEphemeral, serverPubKey []byte) ([]byte, error) {
	cookieValue := cm.currentCookie(clientIP)

	key := deriveCookieEncryptionKey(serverPubKey, clientEphemeral)
	defer zeroBytes(key[:])

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	var nonce [cookieNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	reply := make([]byte, cookieNonceSize+aead.Overhead()+len(cookieValue))
	copy(reply[:cookieNonceSize], nonce[:])
	aead.Seal(reply[cookieNonceSize:cookieNonceSize], nonce[:], cookieValue, nil)
	return reply, nil
}

// validMAC2 checks MAC2 against the current and immediately prior
// cookie time bucket, tolerating a client that computed its cookie
// just before a bucket rotation.
func (cm *CookieManager) validMAC2(clientIP netip.Addr, msg1WithMAC []byte) bool {
	bucket := cm.now().Unix() / cookieBucketSeconds
	if verifyMAC2(msg1WithMAC, cm.computeCookieValue(clientIP, bucket)) {
		return true
	}
	return verifyMAC2(msg1WithMAC, cm.computeCookieValue(clientIP, bucket-1))
}
