// Package ldaptest provides an in-memory directory and connection provider for tests.
package ldaptest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldap-authn/internal/ldap"
)

// ErrUnavailable is the default error of a Provider that refuses to Acquire.
var ErrUnavailable = errors.New("directory unavailable")

type entry struct {
	dn       *ldap.DN
	raw      string
	password string
	attrs    map[string][]string
}

// Directory is a small in-memory directory tree.
//
// Filters are compiled with go-ldap and evaluated for and, or, not, equality
// and presence items. Comparisons ignore case.
type Directory struct {
	mu      sync.RWMutex
	entries []*entry

	// OnBind, when set, runs before every bind and can fail it.
	OnBind func(dn string) error
	// OnSearch, when set, runs before every search and can fail it.
	OnSearch func(req *ldap.SearchRequest) error

	binds    atomic.Int64
	searches atomic.Int64
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{}
}

// Add stores an entry. An empty password makes the entry unbindable.
func (d *Directory) Add(dn, password string, attrs map[string][]string) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		panic(fmt.Sprintf("ldaptest: invalid DN %q: %v", dn, err))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, &entry{dn: parsed, raw: dn, password: password, attrs: attrs})
}

// Binds returns the number of bind attempts across all connections.
func (d *Directory) Binds() int64 { return d.binds.Load() }

// Searches returns the number of searches across all connections.
func (d *Directory) Searches() int64 { return d.searches.Load() }

// Conn returns a new unbound connection to d.
func (d *Directory) Conn() *Conn {
	return &Conn{dir: d}
}

func (d *Directory) lookup(dn string) *entry {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return nil
	}
	for _, e := range d.entries {
		if e.dn.EqualFold(parsed) {
			return e
		}
	}
	return nil
}

// Conn is one session with a Directory. It is not safe for concurrent use.
type Conn struct {
	dir   *Directory
	bound string

	// BindDNs records every DN this connection tried to bind as.
	BindDNs []string
	// Requests records every search issued on this connection.
	Requests []*ldap.SearchRequest
}

var _ ldapclient.Conn = (*Conn)(nil)

// BoundDN returns the DN of the last successful bind.
func (c *Conn) BoundDN() string { return c.bound }

func (c *Conn) Bind(username, password string) error {
	c.dir.binds.Add(1)
	c.BindDNs = append(c.BindDNs, username)
	c.bound = ""

	if c.dir.OnBind != nil {
		if err := c.dir.OnBind(username); err != nil {
			return err
		}
	}

	if password == "" {
		return ldap.NewError(ldap.ErrorEmptyPassword, errors.New("ldap: empty password not allowed by the client"))
	}

	c.dir.mu.RLock()
	e := c.dir.lookup(username)
	c.dir.mu.RUnlock()

	if e == nil || e.password == "" || e.password != password {
		return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}

	c.bound = username
	return nil
}

func (c *Conn) GSSAPIBind(ldap.GSSAPIClient, string, string) error {
	c.dir.binds.Add(1)
	return ldap.NewError(ldap.LDAPResultAuthMethodNotSupported, errors.New("GSSAPI is not supported by ldaptest"))
}

func (c *Conn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.dir.searches.Add(1)
	c.Requests = append(c.Requests, req)

	if c.dir.OnSearch != nil {
		if err := c.dir.OnSearch(req); err != nil {
			return nil, err
		}
	}

	if c.bound == "" {
		return nil, ldap.NewError(ldap.LDAPResultOperationsError, errors.New("bind required"))
	}

	packet, err := ldap.CompileFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	base, err := ldap.ParseDN(req.BaseDN)
	if err != nil {
		return nil, ldap.NewError(ldap.LDAPResultInvalidDNSyntax, err)
	}

	c.dir.mu.RLock()
	defer c.dir.mu.RUnlock()

	if c.dir.lookup(req.BaseDN) == nil {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no such object: %s", req.BaseDN))
	}

	result := &ldap.SearchResult{}
	for _, e := range c.dir.entries {
		if !inScope(base, e.dn, req.Scope) || !matches(packet, e.attrs) {
			continue
		}
		result.Entries = append(result.Entries, project(e, req.Attributes, req.TypesOnly))
	}
	return result, nil
}

func inScope(base, dn *ldap.DN, scope int) bool {
	switch scope {
	case ldap.ScopeBaseObject:
		return base.EqualFold(dn)
	case ldap.ScopeSingleLevel:
		return len(dn.RDNs) == len(base.RDNs)+1 && base.AncestorOfFold(dn)
	default:
		return base.EqualFold(dn) || base.AncestorOfFold(dn)
	}
}

func matches(p *ber.Packet, attrs map[string][]string) bool {
	switch p.Tag {
	case ldap.FilterAnd:
		for _, child := range p.Children {
			if !matches(child, attrs) {
				return false
			}
		}
		return true
	case ldap.FilterOr:
		for _, child := range p.Children {
			if matches(child, attrs) {
				return true
			}
		}
		return false
	case ldap.FilterNot:
		return len(p.Children) == 1 && !matches(p.Children[0], attrs)
	case ldap.FilterPresent:
		return len(values(attrs, p.Data.String())) > 0
	case ldap.FilterEqualityMatch:
		if len(p.Children) != 2 {
			return false
		}
		name, _ := p.Children[0].Value.(string)
		want, _ := p.Children[1].Value.(string)
		return slices.ContainsFunc(values(attrs, name), func(v string) bool {
			return strings.EqualFold(v, want)
		})
	default:
		return false
	}
}

func values(attrs map[string][]string, name string) []string {
	for k, v := range attrs {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

func project(e *entry, requested []string, typesOnly bool) *ldap.Entry {
	out := make(map[string][]string)
	for k, v := range e.attrs {
		if len(requested) > 0 && !slices.ContainsFunc(requested, func(r string) bool {
			return r == "*" || strings.EqualFold(r, k)
		}) {
			continue
		}
		if typesOnly {
			out[k] = nil
			continue
		}
		out[k] = slices.Clone(v)
	}
	return ldap.NewEntry(e.raw, out)
}

// Provider hands out connections to a Directory and counts borrows.
type Provider struct {
	Directory *Directory

	// AcquireErr, when set, is returned by Acquire.
	AcquireErr error
	// OnAcquire, when set, runs at the start of every Acquire.
	OnAcquire func()

	acquired atomic.Int64
	released atomic.Int64
	invalid  atomic.Int64

	mu   sync.Mutex
	live map[*Conn]struct{}
	last *Conn
}

var _ ldapclient.Provider = (*Provider)(nil)

// NewProvider returns a Provider for dir.
func NewProvider(dir *Directory) *Provider {
	return &Provider{Directory: dir, live: make(map[*Conn]struct{})}
}

func (p *Provider) Acquire(context.Context) (ldapclient.Conn, error) {
	if p.OnAcquire != nil {
		p.OnAcquire()
	}
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}

	conn := p.Directory.Conn()
	p.mu.Lock()
	p.live[conn] = struct{}{}
	p.last = conn
	p.mu.Unlock()

	p.acquired.Add(1)
	return conn, nil
}

func (p *Provider) Release(c ldapclient.Conn) {
	conn, ok := c.(*Conn)

	p.mu.Lock()
	_, live := p.live[conn]
	delete(p.live, conn)
	p.mu.Unlock()

	if !ok || !live {
		p.invalid.Add(1)
		return
	}
	p.released.Add(1)
}

// Acquired returns the number of successful Acquire calls.
func (p *Provider) Acquired() int64 { return p.acquired.Load() }

// Released returns the number of valid Release calls.
func (p *Provider) Released() int64 { return p.released.Load() }

// InvalidReleases counts releases of connections that were not borrowed.
func (p *Provider) InvalidReleases() int64 { return p.invalid.Load() }

// LastConn returns the most recently acquired connection.
func (p *Provider) LastConn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
