// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testKeyStorePassword = "changeit"

func writeTestKeyStore(t *testing.T, dir string) string {
	t.Helper()
	pfx, err := GenerateKeyStore(KeyStoreOptions{
		CommonName: "paylink-test",
		Hosts:      []string{"localhost", "127.0.0.1"},
		Password:   testKeyStorePassword,
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "channel.p12")
	require.NoError(t, WriteKeyStore(path, pfx))
	return path
}

func testSettings(path string) TLSSettings {
	return TLSSettings{
		KeyStorePath:      path,
		KeyStorePassword:  testKeyStorePassword,
		RequireClientCert: true,
	}
}

// =============================================================================
// KEYSTORE TESTS
// =============================================================================

func TestKeyStore_GenerateAndLoad(t *testing.T) {
	path := writeTestKeyStore(t, t.TempDir())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	ks, err := LoadKeyStore(path, testKeyStorePassword)
	require.NoError(t, err)
	require.Equal(t, "paylink-test", ks.Leaf.Subject.CommonName)
	require.Contains(t, ks.Leaf.DNSNames, "localhost")
	require.Len(t, ks.Leaf.IPAddresses, 1)
	require.NotNil(t, ks.Certificate.PrivateKey)
	require.Len(t, ks.Certificate.Certificate, 1)
}

func TestKeyStore_GenerateRequiresPassword(t *testing.T) {
	_, err := GenerateKeyStore(KeyStoreOptions{})
	require.True(t, IsConfigError(err))
}

func TestKeyStore_FailureKinds(t *testing.T) {
	dir := t.TempDir()
	path := writeTestKeyStore(t, dir)

	_, err := LoadKeyStore(filepath.Join(dir, "missing.p12"), testKeyStorePassword)
	require.ErrorIs(t, err, ErrKeyStoreUnreadable)

	_, err = LoadKeyStore(path, "wrong-password")
	require.ErrorIs(t, err, ErrKeyStorePassword)

	garbage := filepath.Join(dir, "garbage.p12")
	require.NoError(t, os.WriteFile(garbage, []byte("not a pkcs12 file"), 0600))
	_, err = LoadKeyStore(garbage, testKeyStorePassword)
	require.ErrorIs(t, err, ErrKeyStoreFormat)
}

// =============================================================================
// ALLOW-LIST TESTS
// =============================================================================

func TestTLS_ParseProtocols(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		min     uint16
		max     uint16
		wantErr bool
	}{
		{"default", nil, tls.VersionTLS12, tls.VersionTLS13, false},
		{"tls13 only", []string{"TLSv1.3"}, tls.VersionTLS13, tls.VersionTLS13, false},
		{"tls12 only", []string{"TLSv1.2"}, tls.VersionTLS12, tls.VersionTLS12, false},
		{"loose spelling", []string{"tls 1.3", "1.2"}, tls.VersionTLS12, tls.VersionTLS13, false},
		{"tls11 rejected", []string{"TLSv1.3", "TLSv1.1"}, 0, 0, true},
		{"sslv3 rejected", []string{"SSLv3"}, 0, 0, true},
		{"nonsense rejected", []string{"banana"}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			minV, maxV, err := ParseProtocols(tt.in)
			if tt.wantErr {
				require.True(t, IsConfigError(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.min, minV)
			require.Equal(t, tt.max, maxV)
		})
	}
}

func TestTLS_ParseCipherSuites(t *testing.T) {
	ids, err := ParseCipherSuites(nil)
	require.NoError(t, err)
	require.Contains(t, ids, tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384)
	require.NotContains(t, ids, tls.TLS_AES_128_GCM_SHA256)

	ids, err = ParseCipherSuites([]string{"TLS_AES_256_GCM_SHA384"})
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = ParseCipherSuites([]string{"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA"})
	require.True(t, IsConfigError(err), "CBC suites are not AEAD")

	_, err = ParseCipherSuites([]string{"TLS_RSA_WITH_RC4_128_SHA"})
	require.True(t, IsConfigError(err))

	_, err = ParseCipherSuites([]string{"TLS_MADE_UP"})
	require.True(t, IsConfigError(err))
}

// =============================================================================
// CONTEXT FACTORY TESTS
// =============================================================================

func TestTLS_BuildRequiresKeyStoreSettings(t *testing.T) {
	_, err := NewContextFactory(TLSSettings{KeyStorePassword: "x"}).Build()
	require.True(t, IsConfigError(err))

	_, err = NewContextFactory(TLSSettings{KeyStorePath: "/tmp/x.p12"}).Build()
	require.True(t, IsConfigError(err))
}

func TestTLS_BuildRejectsBadAllowLists(t *testing.T) {
	path := writeTestKeyStore(t, t.TempDir())

	s := testSettings(path)
	s.Protocols = []string{"TLSv1.0"}
	_, err := NewContextFactory(s).Build()
	require.True(t, IsConfigError(err))

	s = testSettings(path)
	s.Protocols = []string{"TLSv1.2"}
	s.CipherSuites = []string{"TLS_AES_256_GCM_SHA384"}
	_, err = NewContextFactory(s).Build()
	require.True(t, IsConfigError(err), "TLS 1.2 only with no TLS 1.2 suite")
}

func TestTLS_BuildSurfacesKeyStoreErrors(t *testing.T) {
	path := writeTestKeyStore(t, t.TempDir())
	s := testSettings(path)
	s.KeyStorePassword = "wrong"

	_, err := NewContextFactory(s).Build()
	require.ErrorIs(t, err, ErrKeyStorePassword)
}

func TestTLS_BuildConfig(t *testing.T) {
	path := writeTestKeyStore(t, t.TempDir())

	cfg, err := NewContextFactory(testSettings(path)).Build()
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	require.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
	require.NotNil(t, cfg.RootCAs)
	require.False(t, cfg.InsecureSkipVerify)
}

func TestTLS_OnlyTLS13SuitesRaisesMinimum(t *testing.T) {
	path := writeTestKeyStore(t, t.TempDir())
	s := testSettings(path)
	s.CipherSuites = []string{"TLS_AES_128_GCM_SHA256"}

	cfg, err := NewContextFactory(s).Build()
	require.NoError(t, err)
	require.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
}

func TestTLS_ContextMemoized(t *testing.T) {
	path := writeTestKeyStore(t, t.TempDir())
	f := NewContextFactory(testSettings(path))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Context()
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, f.Builds())

	a, err := f.Context()
	require.NoError(t, err)
	b, err := f.Context()
	require.NoError(t, err)
	require.NotSame(t, a, b, "callers receive clones")
	require.Equal(t, 1, f.Builds())
}

func TestTLS_ClearCacheRebuilds(t *testing.T) {
	dir := t.TempDir()
	path := writeTestKeyStore(t, dir)
	f := NewContextFactory(testSettings(path))

	first, err := f.Context()
	require.NoError(t, err)

	// Rotate the keystore and invalidate.
	writeTestKeyStore(t, dir)
	f.ClearCache()

	second, err := f.Context()
	require.NoError(t, err)
	require.Equal(t, 2, f.Builds())
	require.NotEqual(t, first.Certificates[0].Certificate[0], second.Certificates[0].Certificate[0])
}

func TestTLS_ReloadSwapsContext(t *testing.T) {
	dir := t.TempDir()
	path := writeTestKeyStore(t, dir)
	f := NewContextFactory(testSettings(path))

	first, err := f.Context()
	require.NoError(t, err)

	writeTestKeyStore(t, dir)
	require.NoError(t, f.Reload())

	second, err := f.Context()
	require.NoError(t, err)
	require.Equal(t, 2, f.Builds())
	require.NotEqual(t, first.Certificates[0].Certificate[0], second.Certificates[0].Certificate[0])
}

func TestTLS_ReloadFailureKeepsContext(t *testing.T) {
	for name, corrupt := range map[string]func(t *testing.T, path string){
		"truncated": func(t *testing.T, path string) {
			require.NoError(t, os.WriteFile(path, []byte("partial"), 0600))
		},
		"removed": func(t *testing.T, path string) {
			require.NoError(t, os.Remove(path))
		},
	} {
		t.Run(name, func(t *testing.T) {
			path := writeTestKeyStore(t, t.TempDir())
			f := NewContextFactory(testSettings(path))
			before, err := f.ServerConfig()
			require.NoError(t, err)

			corrupt(t, path)
			require.Error(t, f.Reload())

			after, err := f.ServerConfig()
			require.NoError(t, err)
			require.Equal(t, 1, f.Builds())
			require.Equal(t, before.Certificates[0].Certificate[0], after.Certificates[0].Certificate[0])
		})
	}
}

func TestTLS_ReloadWrongPasswordKeepsContext(t *testing.T) {
	dir := t.TempDir()
	path := writeTestKeyStore(t, dir)
	f := NewContextFactory(testSettings(path))
	_, err := f.Context()
	require.NoError(t, err)

	pfx, err := GenerateKeyStore(KeyStoreOptions{Hosts: []string{"localhost"}, Password: "other-password"})
	require.NoError(t, err)
	require.NoError(t, WriteKeyStore(path, pfx))

	require.ErrorIs(t, f.Reload(), ErrKeyStorePassword)
	_, err = f.ClientConfig("localhost")
	require.NoError(t, err)
}

func TestTLS_FailedBuildIsNotMemoized(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channel.p12")
	f := NewContextFactory(testSettings(path))

	_, err := f.Context()
	require.ErrorIs(t, err, ErrKeyStoreUnreadable)
	require.Equal(t, 0, f.Builds())

	writeTestKeyStore(t, dir)
	_, err = f.Context()
	require.NoError(t, err)
	require.Equal(t, 1, f.Builds())
}

func TestTLS_RoleConfigs(t *testing.T) {
	path := writeTestKeyStore(t, t.TempDir())

	f := NewContextFactory(testSettings(path))
	srv, err := f.ServerConfig()
	require.NoError(t, err)
	require.Equal(t, tls.RequireAndVerifyClientCert, srv.ClientAuth)

	cli, err := f.ClientConfig("localhost")
	require.NoError(t, err)
	require.Equal(t, "localhost", cli.ServerName)

	s := testSettings(path)
	s.RequireClientCert = false
	srv, err = NewContextFactory(s).ServerConfig()
	require.NoError(t, err)
	require.Equal(t, tls.NoClientCert, srv.ClientAuth)
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	a, ok := <-accepted
	require.True(t, ok)
	return a, dialed
}

// TestTLS_Handshake runs a mutual-TLS handshake using the same pinned
// keystore on both ends.
func TestTLS_Handshake(t *testing.T) {
	path := writeTestKeyStore(t, t.TempDir())
	f := NewContextFactory(testSettings(path))

	srvCfg, err := f.ServerConfig()
	require.NoError(t, err)
	cliCfg, err := f.ClientConfig("localhost")
	require.NoError(t, err)

	a, b := tcpPair(t)
	server := tls.Server(a, srvCfg)
	client := tls.Client(b, cliCfg)
	defer server.Close()
	defer client.Close()

	errc := make(chan error, 1)
	go func() { errc <- server.Handshake() }()
	require.NoError(t, client.Handshake())
	require.NoError(t, <-errc)

	state := client.ConnectionState()
	require.Equal(t, "TLSv1.3", VersionName(state.Version))
	require.NotContains(t, CipherSuiteName(state.CipherSuite), "unknown")
}

func TestTLS_HandshakeRejectsForeignCertificate(t *testing.T) {
	srvPath := writeTestKeyStore(t, t.TempDir())
	cliPath := writeTestKeyStore(t, t.TempDir())

	srvCfg, err := NewContextFactory(testSettings(srvPath)).ServerConfig()
	require.NoError(t, err)
	cliCfg, err := NewContextFactory(testSettings(cliPath)).ClientConfig("localhost")
	require.NoError(t, err)

	a, b := tcpPair(t)
	server := tls.Server(a, srvCfg)
	client := tls.Client(b, cliCfg)
	defer server.Close()
	defer client.Close()

	go func() { _ = server.Handshake() }()
	require.Error(t, client.Handshake())
}

func TestTLS_VersionName(t *testing.T) {
	require.Equal(t, "TLSv1.2", VersionName(tls.VersionTLS12))
	require.Equal(t, "TLSv1.3", VersionName(tls.VersionTLS13))
	require.Contains(t, VersionName(0x0300), "unknown")
}
