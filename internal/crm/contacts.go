package crm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"
)

// Contact is a customer contact from the address book.
type Contact struct {
	Name         string
	Emails       []string
	Phones       []string
	Organization string
	Title        string
}

// Directory looks up customer contacts.
type Directory interface {
	FindContacts(ctx context.Context, query string, limit int) ([]Contact, error)
}

// DAVConfig configures the CardDAV directory.
type DAVConfig struct {
	URL             string
	Username        string
	Password        string
	AddressBookPath string // empty discovers the first address book
}

// DAVDirectory is a Directory backed by a CardDAV server.
type DAVDirectory struct {
	client *carddav.Client
	logger *slog.Logger

	mu   sync.Mutex
	path string
}

// NewDAVDirectory creates a CardDAV directory. Address book discovery is
// deferred to first use.
func NewDAVDirectory(httpClient *http.Client, cfg DAVConfig, logger *slog.Logger) (*DAVDirectory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var hc webdav.HTTPClient = httpClient
	if httpClient == nil {
		hc = http.DefaultClient
	}
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, cfg.Username, cfg.Password)
	}
	client, err := carddav.NewClient(hc, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("crm: carddav client: %w", err)
	}
	return &DAVDirectory{
		client: client,
		path:   cfg.AddressBookPath,
		logger: logger.With("component", "crm"),
	}, nil
}

func (d *DAVDirectory) addressBook(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.path != "" {
		return d.path, nil
	}

	principal, err := d.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("crm: find principal: %w", err)
	}
	home, err := d.client.FindAddressBookHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("crm: find home set: %w", err)
	}
	books, err := d.client.FindAddressBooks(ctx, home)
	if err != nil {
		return "", fmt.Errorf("crm: list address books: %w", err)
	}
	if len(books) == 0 {
		return "", fmt.Errorf("crm: no address books under %s", home)
	}
	d.path = books[0].Path
	d.logger.Info("address book discovered", "path", d.path, "name", books[0].Name)
	return d.path, nil
}

// FindContacts matches query against formatted name, e-mail and
// organization.
func (d *DAVDirectory) FindContacts(ctx context.Context, query string, limit int) ([]Contact, error) {
	path, err := d.addressBook(ctx)
	if err != nil {
		return nil, err
	}

	match := func(field string) carddav.PropFilter {
		return carddav.PropFilter{
			Name:        field,
			TextMatches: []carddav.TextMatch{{Text: query, MatchType: carddav.MatchContains}},
		}
	}
	q := &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{
			Props: []string{vcard.FieldFormattedName, vcard.FieldEmail, vcard.FieldTelephone, vcard.FieldOrganization, vcard.FieldTitle},
		},
		PropFilters: []carddav.PropFilter{
			match(vcard.FieldFormattedName),
			match(vcard.FieldEmail),
			match(vcard.FieldOrganization),
		},
		FilterTest: carddav.FilterAnyOf,
		Limit:      limit,
	}

	objs, err := d.client.QueryAddressBook(ctx, path, q)
	if err != nil {
		return nil, fmt.Errorf("crm: query address book: %w", err)
	}
	out := make([]Contact, 0, len(objs))
	for _, obj := range objs {
		out = append(out, ContactFromCard(obj.Card))
	}
	return out, nil
}

// ContactFromCard converts a vCard into a Contact.
func ContactFromCard(card vcard.Card) Contact {
	c := Contact{
		Name:   card.PreferredValue(vcard.FieldFormattedName),
		Emails: card.Values(vcard.FieldEmail),
		Phones: card.Values(vcard.FieldTelephone),
		Title:  card.PreferredValue(vcard.FieldTitle),
	}
	// ORG is structured; the first component is the company name.
	if org := card.PreferredValue(vcard.FieldOrganization); org != "" {
		c.Organization = strings.TrimSpace(strings.SplitN(org, ";", 2)[0])
	}
	if c.Name == "" {
		if n := card.Name(); n != nil {
			c.Name = strings.TrimSpace(n.GivenName + " " + n.FamilyName)
		}
	}
	return c
}
