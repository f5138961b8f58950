package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/ldapdev/internal/probe"
)

// TestCmd probes the running directory server.
type TestCmd struct {
	Connection TestConnectionCmd `cmd:"" help:"Connect and print the server's root DSE"`
	Auth       TestAuthCmd       `cmd:"" help:"Bind and read the base DN"`
	Users      TestUsersCmd      `cmd:"" help:"List inetOrgPerson entries"`
	User       TestUserCmd       `cmd:"" help:"Show one user's attributes and group memberships"`
}

// ConnectionFlags select the server and transport.
type ConnectionFlags struct {
	Host       string        `help:"Directory server host." default:"localhost" env:"LDAP_HOST"`
	Port       int           `help:"LDAP port." default:"389" env:"LDAP_PORT"`
	TLSPort    int           `name:"tls-port" help:"LDAPS port, used with --use-ssl." default:"636" env:"LDAPS_PORT"`
	UseSSL     bool          `name:"use-ssl" help:"Use LDAPS instead of LDAP."`
	CACert     string        `name:"ca-cert" help:"CA certificate trusted for LDAPS." default:"./certs/ca.crt"`
	ServerName string        `help:"Name to verify in the server certificate (defaults to --host)."`
	Timeout    time.Duration `help:"Dial and request timeout." default:"10s"`
	Wait       time.Duration `help:"Keep retrying the connection until the server answers or this elapses."`
}

func (f ConnectionFlags) client() (*probe.Client, error) {
	opts := probe.Options{
		Host:       f.Host,
		Port:       f.Port,
		ServerName: f.ServerName,
		Timeout:    f.Timeout,
		Wait:       f.Wait,
	}
	if f.UseSSL {
		opts.UseTLS = true
		opts.Port = f.TLSPort
		opts.CACertPath = f.CACert
	}
	return probe.New(opts)
}

// BindFlags hold the bind identity and search base.
type BindFlags struct {
	User     string `help:"Bind DN." default:"cn=admin,dc=testing,dc=local" env:"LDAP_ADMIN_DN"`
	Password string `help:"Bind password." default:"admin_password" env:"LDAP_ADMIN_PASSWORD"`
	BaseDN   string `name:"base-dn" help:"Base DN." default:"dc=testing,dc=local" env:"LDAP_BASE_DN"`
}

func (f BindFlags) credentials() probe.Credentials {
	return probe.Credentials{BindDN: f.User, Password: f.Password, BaseDN: f.BaseDN}
}

// TestConnectionCmd reads the root DSE anonymously.
type TestConnectionCmd struct {
	ConnectionFlags `embed:""`
}

func (c *TestConnectionCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, shutdown := globals.setup(ctx)
	defer shutdown()

	client, err := c.client()
	if err != nil {
		return err
	}

	w := globals.stdout()
	fmt.Fprintf(w, "Testing connection to %s...\n", client.URL())

	info, err := client.ServerInfo(ctx)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	fmt.Fprintln(w, "Successfully connected to LDAP server")
	fmt.Fprintln(w, "\nServer info:")
	fmt.Fprintf(w, "  Vendor:          %s\n", valueOr(info.VendorName, "Unknown"))
	fmt.Fprintf(w, "  Version:         %s\n", valueOr(info.VendorVersion, "Unknown"))
	fmt.Fprintf(w, "  Naming contexts: %s\n", valueOr(strings.Join(info.NamingContexts, ", "), "none"))
	if info.TLSVersion != "" {
		fmt.Fprintf(w, "  TLS:             %s\n", info.TLSVersion)
	}

	return nil
}

// TestAuthCmd binds and checks the base DN.
type TestAuthCmd struct {
	ConnectionFlags `embed:""`
	BindFlags       `embed:""`

	UID string `name:"uid" help:"Bind as the fixture user uid=<uid>,ou=people,<base-dn> instead of --user."`
}

func (c *TestAuthCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, shutdown := globals.setup(ctx)
	defer shutdown()

	creds := c.credentials()
	if c.UID != "" {
		dn, err := probe.PersonDN(c.UID, c.BaseDN)
		if err != nil {
			return err
		}
		creds.BindDN = dn
	}

	client, err := c.client()
	if err != nil {
		return err
	}

	w := globals.stdout()
	fmt.Fprintf(w, "Testing authentication to %s...\n", client.URL())
	fmt.Fprintf(w, "User: %s\n", creds.BindDN)

	result, err := client.Authenticate(ctx, creds)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	fmt.Fprintln(w, "Authentication successful")
	if result.BaseDNReadable {
		fmt.Fprintf(w, "Base DN accessible: %s\n", result.BaseDN)
	} else {
		zerolog.Ctx(ctx).Warn().Str("base_dn", result.BaseDN).Msg("Base DN not readable with this bind")
	}

	return nil
}

// TestUsersCmd lists the fixture users.
type TestUsersCmd struct {
	ConnectionFlags `embed:""`
	BindFlags       `embed:""`
}

func (c *TestUsersCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, shutdown := globals.setup(ctx)
	defer shutdown()

	client, err := c.client()
	if err != nil {
		return err
	}

	users, err := client.ListUsers(ctx, c.credentials())
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	w := globals.stdout()
	if len(users) == 0 {
		fmt.Fprintln(w, "No users found")
		return nil
	}

	fmt.Fprintf(w, "Found %d user(s):\n\n", len(users))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tCN\tMAIL\tUIDNUMBER")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.UID, u.CN, valueOr(u.Mail, "-"), valueOr(u.UIDNumber, "-"))
	}
	tw.Flush()

	return nil
}

// TestUserCmd prints a fixture user and its groups.
type TestUserCmd struct {
	ConnectionFlags `embed:""`
	BindFlags       `embed:""`

	UID string `name:"uid" help:"User to look up in ou=people." required:""`
}

func (c *TestUserCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, shutdown := globals.setup(ctx)
	defer shutdown()

	client, err := c.client()
	if err != nil {
		return err
	}

	detail, err := client.UserInfo(ctx, c.credentials(), c.UID)
	if err != nil {
		return fmt.Errorf("lookup failed: %w", err)
	}

	w := globals.stdout()
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 50))
	fmt.Fprintln(w, "User Information")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Username:   %s\n", detail.UID)
	fmt.Fprintf(w, "Full name:  %s\n", valueOr(detail.CN, "-"))
	fmt.Fprintf(w, "First name: %s\n", valueOr(detail.GivenName, "-"))
	fmt.Fprintf(w, "Last name:  %s\n", valueOr(detail.SN, "-"))
	fmt.Fprintf(w, "Email:      %s\n", valueOr(detail.Mail, "-"))
	fmt.Fprintf(w, "UID number: %s\n", valueOr(detail.UIDNumber, "-"))
	fmt.Fprintf(w, "GID number: %s\n", valueOr(detail.GIDNumber, "-"))
	fmt.Fprintf(w, "DN:         %s\n", detail.DN)
	fmt.Fprintf(w, "Groups:     %s\n", valueOr(strings.Join(detail.Groups, ", "), "none"))

	return nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
