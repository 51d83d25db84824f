package sshstream

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// newPEMKey returns a new private key in PEM form, along with its public key as an
// authorized_keys line.
func newPEMKey(t *testing.T) (privPEM, authorizedKey string, pub ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	pub = signer.PublicKey()
	return privPEM, string(ssh.MarshalAuthorizedKey(pub)), pub
}

func TestDecodeServerConfig(t *testing.T) {
	t.Parallel()

	hostPEM, hostAuthorized, hostPub := newPEMKey(t)
	_, clientAuthorized, clientPub := newPEMKey(t)

	t.Run("Full", func(t *testing.T) {
		t.Parallel()
		cfg, err := DecodeServerConfig(map[string]interface{}{
			"host_key":            hostPEM,
			"obfuscation_keyword": "kw",
			"authorized_keys":     []interface{}{clientAuthorized},
			"session":             map[string]interface{}{"allow_pty": true},
			"channel": map[string]interface{}{
				"recv_window":      4096,
				"write_high_water": 1024,
				"encoding":         "utf-8",
			},
		})
		require.NoError(t, err)
		require.Equal(t, hostPub.Marshal(), cfg.HostKey.PublicKey().Marshal())
		require.Equal(t, "kw", cfg.ObfuscationKeyword)
		require.Len(t, cfg.AuthorizedKeys, 1)
		require.Equal(t, clientPub.Marshal(), cfg.AuthorizedKeys[0].Marshal())
		require.True(t, cfg.Session.AllowPTY)
		require.Equal(t, 4096, cfg.Channel.RecvWindow)
		require.Equal(t, 1024, cfg.Channel.WriteHighWater)
		require.Equal(t, "utf-8", cfg.Channel.Encoding)
	})
	t.Run("MissingHostKey", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeServerConfig(map[string]interface{}{"obfuscation_keyword": "kw"})
		require.Error(t, err)
	})
	t.Run("BadHostKey", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeServerConfig(map[string]interface{}{"host_key": "not a key"})
		require.Error(t, err)
	})
	t.Run("PublicKeyAsHostKey", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeServerConfig(map[string]interface{}{"host_key": hostAuthorized})
		require.Error(t, err)
	})
	t.Run("UnknownKey", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeServerConfig(map[string]interface{}{
			"host_key":    hostPEM,
			"listen_addr": ":22",
		})
		require.Error(t, err)
	})
	t.Run("NegativeWindow", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeServerConfig(map[string]interface{}{
			"host_key": hostPEM,
			"channel":  map[string]interface{}{"recv_window": -1},
		})
		require.Error(t, err)
	})
	t.Run("UnknownEncoding", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeServerConfig(map[string]interface{}{
			"host_key": hostPEM,
			"channel":  map[string]interface{}{"encoding": "no-such-charset"},
		})
		require.Error(t, err)
	})
}

func TestDecodeDialerConfig(t *testing.T) {
	t.Parallel()

	_, serverAuthorized, serverPub := newPEMKey(t)
	clientPEM, _, clientPub := newPEMKey(t)

	cfg, err := DecodeDialerConfig(map[string]interface{}{
		"server_public_key": serverAuthorized,
		"user":              "alice",
		"client_key":        clientPEM,
	})
	require.NoError(t, err)
	require.Equal(t, serverPub.Marshal(), cfg.ServerPublicKey.Marshal())
	require.Equal(t, clientPub.Marshal(), cfg.ClientKey.PublicKey().Marshal())
	require.Equal(t, "alice", cfg.User)

	_, err = DecodeDialerConfig(map[string]interface{}{"user": "alice"})
	require.Error(t, err)
}

func TestDecodeClientSessionConfig(t *testing.T) {
	t.Parallel()

	cfg, err := DecodeClientSessionConfig(map[string]interface{}{
		"command":   "ls -l",
		"env":       map[string]interface{}{"LANG": "C"},
		"term":      "xterm",
		"term_size": map[string]interface{}{"width": 80, "height": 24},
		"channel":   map[string]interface{}{"encoding": "iso-8859-1"},
	})
	require.NoError(t, err)
	require.Equal(t, "ls -l", cfg.Command)
	require.Equal(t, map[string]string{"LANG": "C"}, cfg.Env)
	require.Equal(t, "xterm", cfg.Term)
	require.Equal(t, TermSize{Width: 80, Height: 24}, cfg.TermSize)
	require.Equal(t, "iso-8859-1", cfg.Channel.Encoding)
}
