package probe

import (
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

var rootDSEAttributes = []string{"vendorName", "vendorVersion", "namingContexts"}

var userAttributes = []string{"uid", "cn", "mail", "uidNumber"}

var userDetailAttributes = []string{"uid", "cn", "sn", "givenName", "mail", "uidNumber", "gidNumber"}

// conn is the part of *ldap.Conn a session uses.
type conn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
}

// Session is one open connection to the directory server.
type Session struct {
	url        string
	tlsVersion string
	conn       conn
	close      func()
}

// Close releases the connection.
func (s *Session) Close() {
	if s.close != nil {
		s.close()
	}
}

// Bind performs a simple bind. An empty DN binds anonymously.
func (s *Session) Bind(dn, password string) error {
	var err error
	if dn == "" {
		err = s.conn.UnauthenticatedBind("")
	} else {
		err = s.conn.Bind(dn, password)
	}
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return fmt.Errorf("failed to bind as %q: %w", dn, ErrInvalidCredentials)
		}
		return fmt.Errorf("failed to bind as %q: %w", dn, err)
	}
	return nil
}

// RootDSE reads the server's root DSE.
func (s *Session) RootDSE() (*ServerInfo, error) {
	res, err := s.conn.Search(ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)", rootDSEAttributes, nil,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to read root DSE: %w", err)
	}

	info := &ServerInfo{URL: s.url, TLSVersion: s.tlsVersion}
	if len(res.Entries) > 0 {
		entry := res.Entries[0]
		info.VendorName = entry.GetAttributeValue("vendorName")
		info.VendorVersion = entry.GetAttributeValue("vendorVersion")
		info.NamingContexts = entry.GetAttributeValues("namingContexts")
	}

	return info, nil
}

// BaseExists reports whether baseDN can be read with the current bind.
func (s *Session) BaseExists(baseDN string) (bool, error) {
	res, err := s.conn.Search(ldap.NewSearchRequest(
		baseDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)", []string{"dn"}, nil,
	))
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %q: %w", baseDN, err)
	}

	return len(res.Entries) > 0, nil
}

// Users returns every inetOrgPerson below baseDN.
func (s *Session) Users(baseDN string) ([]User, error) {
	res, err := s.conn.Search(ldap.NewSearchRequest(
		baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass="+defaultUserObjectType+")", userAttributes, nil,
	))
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, fmt.Errorf("failed to search %q: %w", baseDN, ErrBaseDNNotFound)
		}
		return nil, fmt.Errorf("failed to search %q: %w", baseDN, err)
	}

	users := make([]User, 0, len(res.Entries))
	for _, entry := range res.Entries {
		users = append(users, userFromEntry(entry))
	}

	return users, nil
}

// User looks up one fixture user by uid in ou=people below baseDN.
func (s *Session) User(baseDN, uid string) (*UserDetail, error) {
	peopleDN := "ou=people," + baseDN
	res, err := s.conn.Search(ldap.NewSearchRequest(
		peopleDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
		"(uid="+ldap.EscapeFilter(uid)+")", userDetailAttributes, nil,
	))
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, fmt.Errorf("failed to search %q: %w", peopleDN, ErrUserNotFound)
		}
		return nil, fmt.Errorf("failed to search %q: %w", peopleDN, err)
	}
	if len(res.Entries) == 0 {
		return nil, fmt.Errorf("uid %q: %w", uid, ErrUserNotFound)
	}

	entry := res.Entries[0]
	return &UserDetail{
		User:      userFromEntry(entry),
		SN:        entry.GetAttributeValue("sn"),
		GivenName: entry.GetAttributeValue("givenName"),
		GIDNumber: entry.GetAttributeValue("gidNumber"),
	}, nil
}

// Groups returns the cn of every group in ou=groups below baseDN that lists
// the user, either by DN (groupOfNames) or by uid (posixGroup). A missing
// ou=groups yields no groups.
func (s *Session) Groups(baseDN string, user User) ([]string, error) {
	groupsDN := "ou=groups," + baseDN
	filter := fmt.Sprintf("(|(member=%s)(uniqueMember=%s)(memberUid=%s))",
		ldap.EscapeFilter(user.DN), ldap.EscapeFilter(user.DN), ldap.EscapeFilter(user.UID))

	res, err := s.conn.Search(ldap.NewSearchRequest(
		groupsDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{"cn"}, nil,
	))
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to search %q: %w", groupsDN, err)
	}

	groups := make([]string, 0, len(res.Entries))
	for _, entry := range res.Entries {
		groups = append(groups, entry.GetAttributeValue("cn"))
	}

	return groups, nil
}

func userFromEntry(entry *ldap.Entry) User {
	return User{
		DN:        entry.DN,
		UID:       entry.GetAttributeValue("uid"),
		CN:        entry.GetAttributeValue("cn"),
		Mail:      entry.GetAttributeValue("mail"),
		UIDNumber: entry.GetAttributeValue("uidNumber"),
	}
}

// IsInvalidCredentials reports whether err is a rejected bind.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}
