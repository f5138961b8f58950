// Package probe checks that the development directory server is reachable
// over ldap:// or ldaps:// and that its fixture data can be read.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfeidau/ldapdev/internal/telemetry"
	"github.com/wolfeidau/ldapdev/internal/tlsassets"
)

const (
	DefaultHost           = "localhost"
	DefaultPort           = 389
	DefaultTLSPort        = 636
	DefaultBaseDN         = "dc=testing,dc=local"
	DefaultAdminDN        = "cn=admin,dc=testing,dc=local"
	DefaultAdminPassword  = "admin_password"
	DefaultTimeout        = 10 * time.Second
	defaultUserObjectType = "inetOrgPerson"
)

var tracer = otel.Tracer("github.com/wolfeidau/ldapdev/internal/probe")

var (
	ErrInvalidUID         = errors.New("uid must not be empty or contain DN special characters")
	ErrNoCACert           = errors.New("ldaps requires a CA certificate")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrBaseDNNotFound     = errors.New("base DN not found")
	ErrUserNotFound       = errors.New("user not found")
)

// Options configures how the directory server is reached.
type Options struct {
	Host string
	// Port defaults to 389, or 636 when UseTLS is set.
	Port   int
	UseTLS bool
	// CACertPath is the ca.crt used as the only trust root for ldaps.
	CACertPath string
	// ServerName overrides the name verified against the server certificate.
	// Defaults to Host.
	ServerName string
	// Timeout bounds each dial and each request.
	Timeout time.Duration
	// Wait keeps retrying the dial with exponential backoff until the server
	// answers or Wait elapses. Zero dials once.
	Wait time.Duration
}

// Credentials identifies the bind user and the subtree to read.
type Credentials struct {
	BindDN   string
	Password string
	BaseDN   string
}

// ServerInfo holds the root DSE attributes the server advertises.
type ServerInfo struct {
	URL            string
	VendorName     string
	VendorVersion  string
	NamingContexts []string
	// TLSVersion is set for ldaps connections.
	TLSVersion string
}

// AuthResult reports a successful bind and whether the base DN was readable.
type AuthResult struct {
	BindDN         string
	BaseDN         string
	BaseDNReadable bool
}

// User is one inetOrgPerson entry.
type User struct {
	DN        string
	UID       string
	CN        string
	Mail      string
	UIDNumber string
}

// UserDetail is a fixture user with its group memberships.
type UserDetail struct {
	User
	SN        string
	GivenName string
	GIDNumber string
	Groups    []string
}

type dialFunc func(url string, opts ...ldap.DialOpt) (*ldap.Conn, error)

// Client runs probes against one directory server.
type Client struct {
	opts      Options
	tlsConfig *tls.Config
	dial      dialFunc
}

// New resolves defaults and, for ldaps, loads the CA certificate.
func New(opts Options) (*Client, error) {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
		if opts.UseTLS {
			opts.Port = DefaultTLSPort
		}
	}
	if opts.ServerName == "" {
		opts.ServerName = opts.Host
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	c := &Client{opts: opts, dial: ldap.DialURL}

	if opts.UseTLS {
		if opts.CACertPath == "" {
			return nil, ErrNoCACert
		}

		certs, err := tlsassets.Load(tlsassets.Config{CACertPath: opts.CACertPath})
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}

		c.tlsConfig, err = certs.ClientTLSConfig(opts.ServerName)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
	}

	return c, nil
}

// URL returns the ldap:// or ldaps:// URL probed.
func (c *Client) URL() string {
	scheme := "ldap"
	if c.opts.UseTLS {
		scheme = "ldaps"
	}
	return scheme + "://" + net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

// Connect dials the server, retrying while Options.Wait allows.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	logger := zerolog.Ctx(ctx)
	m := telemetry.GetMetrics()
	url := c.URL()

	dialOpts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: c.opts.Timeout})}
	if c.tlsConfig != nil {
		dialOpts = append(dialOpts, ldap.DialWithTLSConfig(c.tlsConfig))
	}

	attempt := 0
	operation := func() (*ldap.Conn, error) {
		attempt++
		m.ProbeDialAttempts.Add(ctx, 1)

		conn, err := c.dial(url, dialOpts...)
		if err != nil {
			if permanentDialError(err) || c.opts.Wait <= 0 {
				return nil, backoff.Permanent(err)
			}
			logger.Debug().Err(err).Int("attempt", attempt).Str("url", url).Msg("directory server not ready")
			return nil, err
		}
		return conn, nil
	}

	retryOpts := []backoff.RetryOption{backoff.WithBackOff(backoff.NewExponentialBackOff())}
	if c.opts.Wait > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(c.opts.Wait))
	}

	conn, err := backoff.Retry(ctx, operation, retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s after %d attempt(s): %w", url, attempt, err)
	}

	conn.SetTimeout(c.opts.Timeout)

	logger.Debug().Str("url", url).Int("attempts", attempt).Msg("connected to directory server")

	s := &Session{url: url, conn: conn, close: func() { conn.Close() }}
	if state, ok := conn.TLSConnectionState(); ok {
		s.tlsVersion = tls.VersionName(state.Version)
	}

	return s, nil
}

// ServerInfo connects anonymously and reads the root DSE.
func (c *Client) ServerInfo(ctx context.Context) (info *ServerInfo, err error) {
	ctx, finish := c.start(ctx, "connection")
	defer func() { finish(err) }()

	s, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	return s.RootDSE()
}

// Authenticate binds as creds.BindDN and reads the base DN entry.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (result *AuthResult, err error) {
	ctx, finish := c.start(ctx, "auth")
	defer func() { finish(err) }()

	s, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Bind(creds.BindDN, creds.Password); err != nil {
		return nil, err
	}

	result = &AuthResult{BindDN: creds.BindDN, BaseDN: creds.BaseDN}

	readable, err := s.BaseExists(creds.BaseDN)
	if err != nil {
		return nil, err
	}
	result.BaseDNReadable = readable

	return result, nil
}

// ListUsers binds as creds.BindDN and returns every inetOrgPerson below creds.BaseDN.
func (c *Client) ListUsers(ctx context.Context, creds Credentials) (users []User, err error) {
	ctx, finish := c.start(ctx, "users")
	defer func() { finish(err) }()

	s, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Bind(creds.BindDN, creds.Password); err != nil {
		return nil, err
	}

	return s.Users(creds.BaseDN)
}

// UserInfo binds as creds.BindDN and returns the user with the given uid and
// the groups it belongs to.
func (c *Client) UserInfo(ctx context.Context, creds Credentials, uid string) (detail *UserDetail, err error) {
	ctx, finish := c.start(ctx, "user")
	defer func() { finish(err) }()

	if _, err := PersonDN(uid, creds.BaseDN); err != nil {
		return nil, err
	}

	s, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Bind(creds.BindDN, creds.Password); err != nil {
		return nil, err
	}

	detail, err = s.User(creds.BaseDN, uid)
	if err != nil {
		return nil, err
	}

	detail.Groups, err = s.Groups(creds.BaseDN, detail.User)
	if err != nil {
		return nil, err
	}

	return detail, nil
}

// PersonDN returns the DN of a fixture user: uid=<uid>,ou=people,<baseDN>.
func PersonDN(uid, baseDN string) (string, error) {
	if uid == "" || strings.ContainsAny(uid, `,=+"\<>;#`) {
		return "", ErrInvalidUID
	}
	return fmt.Sprintf("uid=%s,ou=people,%s", uid, baseDN), nil
}

// start opens a span and returns a func that records the outcome.
func (c *Client) start(ctx context.Context, probe string) (context.Context, func(error)) {
	started := time.Now()
	m := telemetry.GetMetrics()
	attrs := metric.WithAttributes(attribute.String("probe", probe), attribute.Bool("tls", c.opts.UseTLS))

	ctx, span := tracer.Start(ctx, "probe."+probe, trace.WithAttributes(
		attribute.String("ldap.url", c.URL()),
	))

	m.ProbeTotal.Add(ctx, 1, attrs)

	return ctx, func(err error) {
		m.ProbeDuration.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)
		if err != nil {
			m.ProbeErrorsTotal.Add(ctx, 1, attrs)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// permanentDialError reports failures that retrying cannot fix.
func permanentDialError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	return errors.As(err, &verifyErr)
}
