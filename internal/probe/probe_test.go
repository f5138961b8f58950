package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/ldapdev/internal/pki"
)

type fakeConn struct {
	bindDN    string
	password  string
	anonymous bool
	entries   map[string][]*ldap.Entry
	searches  []*ldap.SearchRequest
}

func (f *fakeConn) Bind(username, password string) error {
	if username != f.bindDN || password != f.password {
		return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}
	return nil
}

func (f *fakeConn) UnauthenticatedBind(username string) error {
	f.anonymous = true
	return nil
}

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.searches = append(f.searches, req)
	entries, ok := f.entries[req.BaseDN]
	if !ok {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
	}
	return &ldap.SearchResult{Entries: entries}, nil
}

func newFakeSession() (*Session, *fakeConn) {
	fc := &fakeConn{
		bindDN:   DefaultAdminDN,
		password: DefaultAdminPassword,
		entries: map[string][]*ldap.Entry{
			"": {ldap.NewEntry("", map[string][]string{
				"vendorName":     {"OpenLDAP"},
				"vendorVersion":  {"2.4.57"},
				"namingContexts": {DefaultBaseDN},
			})},
			DefaultBaseDN: {
				ldap.NewEntry("uid=alice,ou=people,dc=testing,dc=local", map[string][]string{
					"uid":       {"alice"},
					"cn":        {"Alice Smith"},
					"mail":      {"alice@testing.local"},
					"uidNumber": {"10001"},
				}),
				ldap.NewEntry("uid=bob,ou=people,dc=testing,dc=local", map[string][]string{
					"uid": {"bob"},
					"cn":  {"Bob Jones"},
				}),
			},
			"ou=people," + DefaultBaseDN: {
				ldap.NewEntry("uid=jdoe,ou=people,dc=testing,dc=local", map[string][]string{
					"uid":       {"jdoe"},
					"cn":        {"John Doe"},
					"sn":        {"Doe"},
					"givenName": {"John"},
					"mail":      {"jdoe@testing.local"},
					"uidNumber": {"10001"},
					"gidNumber": {"10001"},
				}),
			},
			"ou=groups," + DefaultBaseDN: {
				ldap.NewEntry("cn=developers,ou=groups,dc=testing,dc=local", map[string][]string{
					"cn": {"developers"},
				}),
			},
			"ou=people,dc=empty,dc=local": {},
		},
	}

	return &Session{url: "ldap://localhost:389", conn: fc}, fc
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, "ldap://localhost:389", c.URL())
	assert.Equal(t, DefaultTimeout, c.opts.Timeout)
	assert.Nil(t, c.tlsConfig)

	c, err = New(Options{Host: "::1", Port: 1389})
	require.NoError(t, err)
	assert.Equal(t, "ldap://[::1]:1389", c.URL())
}

func TestNew_TLS(t *testing.T) {
	_, err := New(Options{UseTLS: true})
	require.ErrorIs(t, err, ErrNoCACert)

	dir := t.TempDir()
	cfg := pki.DefaultConfig()
	cfg.OutputDir = dir
	cfg.KeyAlgorithm = pki.ECDSAP256
	_, err = pki.Issue(context.Background(), cfg)
	require.NoError(t, err)

	c, err := New(Options{UseTLS: true, CACertPath: filepath.Join(dir, pki.AuthorityCertFile)})
	require.NoError(t, err)
	assert.Equal(t, "ldaps://localhost:636", c.URL())
	require.NotNil(t, c.tlsConfig)
	assert.Equal(t, "localhost", c.tlsConfig.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), c.tlsConfig.MinVersion)

	_, err = New(Options{UseTLS: true, CACertPath: filepath.Join(dir, "missing.crt")})
	require.Error(t, err)
}

func TestConnect_NoWaitDialsOnce(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	calls := 0
	c.dial = func(string, ...ldap.DialOpt) (*ldap.Conn, error) {
		calls++
		return nil, errors.New("connection refused")
	}

	_, err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "after 1 attempt(s)")
}

func TestConnect_WaitRetries(t *testing.T) {
	c, err := New(Options{Wait: 2 * time.Second})
	require.NoError(t, err)

	calls := 0
	c.dial = func(string, ...ldap.DialOpt) (*ldap.Conn, error) {
		calls++
		return nil, errors.New("connection refused")
	}

	_, err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Greater(t, calls, 1)
}

func TestConnect_WaitStopsOnVerificationError(t *testing.T) {
	c, err := New(Options{Wait: time.Minute})
	require.NoError(t, err)

	calls := 0
	c.dial = func(string, ...ldap.DialOpt) (*ldap.Conn, error) {
		calls++
		return nil, &tls.CertificateVerificationError{Err: errors.New("unknown authority")}
	}

	_, err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestConnect_ContextCancelled(t *testing.T) {
	c, err := New(Options{Wait: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	c.dial = func(string, ...ldap.DialOpt) (*ldap.Conn, error) {
		return nil, errors.New("connection refused")
	}

	started := time.Now()
	_, err = c.Connect(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(started), 30*time.Second)
}

func TestSession_RootDSE(t *testing.T) {
	s, _ := newFakeSession()

	info, err := s.RootDSE()
	require.NoError(t, err)
	assert.Equal(t, "OpenLDAP", info.VendorName)
	assert.Equal(t, "2.4.57", info.VendorVersion)
	assert.Equal(t, []string{DefaultBaseDN}, info.NamingContexts)
	assert.Equal(t, "ldap://localhost:389", info.URL)
}

func TestSession_Bind(t *testing.T) {
	s, fc := newFakeSession()

	require.NoError(t, s.Bind(DefaultAdminDN, DefaultAdminPassword))

	err := s.Bind(DefaultAdminDN, "wrong")
	require.Error(t, err)
	assert.True(t, IsInvalidCredentials(err))

	require.NoError(t, s.Bind("", ""))
	assert.True(t, fc.anonymous)
}

func TestSession_BaseExists(t *testing.T) {
	s, fc := newFakeSession()

	ok, err := s.BaseExists(DefaultBaseDN)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.BaseExists("dc=missing,dc=local")
	require.NoError(t, err)
	assert.False(t, ok)

	require.Len(t, fc.searches, 2)
	assert.Equal(t, ldap.ScopeBaseObject, fc.searches[0].Scope)
}

func TestSession_Users(t *testing.T) {
	s, fc := newFakeSession()

	users, err := s.Users(DefaultBaseDN)
	require.NoError(t, err)
	require.Len(t, users, 2)

	assert.Equal(t, User{
		DN:        "uid=alice,ou=people,dc=testing,dc=local",
		UID:       "alice",
		CN:        "Alice Smith",
		Mail:      "alice@testing.local",
		UIDNumber: "10001",
	}, users[0])
	assert.Empty(t, users[1].Mail)

	require.Len(t, fc.searches, 1)
	assert.Equal(t, "(objectClass=inetOrgPerson)", fc.searches[0].Filter)
	assert.Equal(t, ldap.ScopeWholeSubtree, fc.searches[0].Scope)
	assert.Equal(t, userAttributes, fc.searches[0].Attributes)

	_, err = s.Users("dc=missing,dc=local")
	require.ErrorIs(t, err, ErrBaseDNNotFound)
}

func TestSession_User(t *testing.T) {
	s, fc := newFakeSession()

	detail, err := s.User(DefaultBaseDN, "jdoe")
	require.NoError(t, err)
	assert.Equal(t, "uid=jdoe,ou=people,dc=testing,dc=local", detail.DN)
	assert.Equal(t, "John Doe", detail.CN)
	assert.Equal(t, "Doe", detail.SN)
	assert.Equal(t, "John", detail.GivenName)
	assert.Equal(t, "10001", detail.GIDNumber)

	require.Len(t, fc.searches, 1)
	assert.Equal(t, "(uid=jdoe)", fc.searches[0].Filter)
	assert.Equal(t, "ou=people,"+DefaultBaseDN, fc.searches[0].BaseDN)

	_, err = s.User("dc=empty,dc=local", "jdoe")
	require.ErrorIs(t, err, ErrUserNotFound)

	_, err = s.User("dc=missing,dc=local", "jdoe")
	require.ErrorIs(t, err, ErrUserNotFound)

	_, err = s.User(DefaultBaseDN, "j*")
	require.NoError(t, err)
	assert.Equal(t, `(uid=j\2a)`, fc.searches[len(fc.searches)-1].Filter)
}

func TestSession_Groups(t *testing.T) {
	s, fc := newFakeSession()
	user := User{DN: "uid=jdoe,ou=people,dc=testing,dc=local", UID: "jdoe"}

	groups, err := s.Groups(DefaultBaseDN, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"developers"}, groups)

	require.Len(t, fc.searches, 1)
	assert.Contains(t, fc.searches[0].Filter, "(memberUid=jdoe)")
	assert.Contains(t, fc.searches[0].Filter, "(member=uid=jdoe,ou=people,dc=testing,dc=local)")

	groups, err = s.Groups("dc=missing,dc=local", user)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestUserInfo_InvalidUID(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	c.dial = func(string, ...ldap.DialOpt) (*ldap.Conn, error) {
		t.Fatal("must not dial for an invalid uid")
		return nil, nil
	}

	_, err = c.UserInfo(context.Background(), Credentials{BaseDN: DefaultBaseDN}, "a,b")
	require.ErrorIs(t, err, ErrInvalidUID)
}

func TestPersonDN(t *testing.T) {
	dn, err := PersonDN("jdoe", DefaultBaseDN)
	require.NoError(t, err)
	assert.Equal(t, "uid=jdoe,ou=people,dc=testing,dc=local", dn)

	for _, uid := range []string{"", "a,b", "cn=x", `back\slash`} {
		_, err := PersonDN(uid, DefaultBaseDN)
		assert.ErrorIs(t, err, ErrInvalidUID, uid)
	}
}
