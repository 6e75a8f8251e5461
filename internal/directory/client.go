// Package directory is the thin LDAP boundary: the three reconciliation
// queries and the mail/alias attribute write-backs, nothing more. The
// wire protocol, TLS setup, and schema live with the directory service;
// this package only owns a reconnectable connection handle and the
// mapping from entries to identity snapshots.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"

	"mailprov/internal/provision"
	"mailprov/pkg/platform/sentinel"
)

// Config captures the connection and search scope settings.
type Config struct {
	URL          string
	BaseDN       string
	BindDN       string
	BindPassword string
	// WatchOUs are the organizational units scanned for mail-less and
	// member identities, e.g. "ou=uczniowie".
	WatchOUs []string
}

// Client is an owned, reconnectable LDAP handle. A connection-level
// failure is surfaced as ErrDirectoryUnavailable and the handle is
// dropped; the next call redials. Reconnection is a recovery path the
// reconciler exercises every cycle, not a one-time setup step.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn ldapConn
	dial func() (ldapConn, error)
}

// ldapConn is the subset of *ldap.Conn the client uses; tests swap it.
type ldapConn interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Modify(req *ldap.ModifyRequest) error
	Close() error
}

// New builds a Client. No connection is made until the first call.
func New(cfg Config, logger *slog.Logger) *Client {
	c := &Client{cfg: cfg, logger: logger}
	c.dial = c.dialBind
	return c
}

func (c *Client) dialBind() (ldapConn, error) {
	conn, err := ldap.DialURL(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Close releases the connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// MaillessIdentities returns identities under the watched OUs that have
// no mail attribute yet: the provisioning candidates.
func (c *Client) MaillessIdentities(ctx context.Context) ([]provision.Identity, error) {
	var out []provision.Identity
	for _, ou := range c.cfg.WatchOUs {
		base := fmt.Sprintf("%s,%s", ou, c.cfg.BaseDN)
		entries, err := c.search(ctx, base, "(&(objectClass=person)(!(mail=*)))",
			[]string{"uid", "cn", "givenName", "sn"})
		if err != nil {
			return nil, fmt.Errorf("mailless identities under %s: %w", ou, err)
		}
		for _, e := range entries {
			id := identityFromEntry(e, ou)
			if id.ID != "" {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// DisabledWithMail returns identities anywhere under the base DN whose
// account lock flag is set and that still carry a mail attribute: the
// archiving candidates.
func (c *Client) DisabledWithMail(ctx context.Context) ([]provision.Identity, error) {
	entries, err := c.search(ctx, c.cfg.BaseDN,
		"(&(objectClass=person)(nsAccountLock=TRUE)(mail=*))",
		[]string{"uid", "mail", "nsAccountLock"})
	if err != nil {
		return nil, fmt.Errorf("disabled identities: %w", err)
	}
	out := make([]provision.Identity, 0, len(entries))
	for _, e := range entries {
		id := identityFromEntry(e, "")
		if id.ID != "" {
			id.Disabled = true
			out = append(out, id)
		}
	}
	return out, nil
}

// GroupMembership returns all person entries under the watched OUs,
// mail attribute included, for alias drift detection.
func (c *Client) GroupMembership(ctx context.Context) ([]provision.Identity, error) {
	var out []provision.Identity
	for _, ou := range c.cfg.WatchOUs {
		base := fmt.Sprintf("%s,%s", ou, c.cfg.BaseDN)
		entries, err := c.search(ctx, base, "(objectClass=person)",
			[]string{"uid", "mail", "nsAccountLock"})
		if err != nil {
			return nil, fmt.Errorf("membership under %s: %w", ou, err)
		}
		for _, e := range entries {
			id := identityFromEntry(e, ou)
			if id.ID != "" {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// ModifyMail replaces the entry's mail attribute; the write-back after
// a successful provision.
func (c *Client) ModifyMail(ctx context.Context, dn, mail string) error {
	req := ldap.NewModifyRequest(dn, nil)
	req.Replace("mail", []string{mail})
	return c.modify(ctx, req)
}

// ReplaceAliases replaces the entry's alternate address set with the
// computed group aliases.
func (c *Client) ReplaceAliases(ctx context.Context, dn string, aliases []string) error {
	req := ldap.NewModifyRequest(dn, nil)
	req.Replace("mailAlternateAddress", aliases)
	return c.modify(ctx, req)
}

func (c *Client) search(ctx context.Context, base, filter string, attrs []string) ([]*ldap.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := c.acquire()
	if err != nil {
		return nil, err
	}
	req := ldap.NewSearchRequest(base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, filter, attrs, nil)
	result, err := conn.Search(req)
	if err != nil {
		return nil, c.classify(err)
	}
	return result.Entries, nil
}

func (c *Client) modify(ctx context.Context, req *ldap.ModifyRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := c.acquire()
	if err != nil {
		return err
	}
	if err := conn.Modify(req); err != nil {
		return c.classify(err)
	}
	return nil
}

func (c *Client) acquire() (ldapConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", sentinel.ErrDirectoryUnavailable, c.cfg.URL, err)
	}
	if c.logger != nil {
		c.logger.Info("connected to directory", "url", c.cfg.URL)
	}
	c.conn = conn
	return conn, nil
}

// classify maps connection-level failures to ErrDirectoryUnavailable
// and drops the handle so the next call redials.
func (c *Client) classify(err error) error {
	if ldap.IsErrorAnyOf(err, ldap.ErrorNetwork, ldap.LDAPResultServerDown, ldap.LDAPResultUnavailable) {
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", sentinel.ErrDirectoryUnavailable, err)
	}
	return err
}

func identityFromEntry(e *ldap.Entry, ou string) provision.Identity {
	if ou == "" {
		ou = ouFromDN(e.DN)
	}
	return provision.Identity{
		ID:       e.GetAttributeValue("uid"),
		DN:       e.DN,
		OU:       ou,
		Mail:     e.GetAttributeValue("mail"),
		Disabled: strings.EqualFold(e.GetAttributeValue("nsAccountLock"), "TRUE"),
	}
}

// ouFromDN extracts the first ou= component of a DN, e.g.
// "uid=anowak,ou=nauczyciele,dc=..." yields "ou=nauczyciele".
func ouFromDN(dn string) string {
	for part := range strings.SplitSeq(dn, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "ou=") {
			return part
		}
	}
	return ""
}
