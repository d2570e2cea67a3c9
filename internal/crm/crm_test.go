package crm

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-vcard"
	"github.com/nugget/jenny-agent/internal/identity"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "commitments.db"))
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func tenantCtx(tenant, subject string) context.Context {
	return identity.WithIdentity(context.Background(), &identity.Identity{Subject: subject, TenantID: tenant})
}

func TestLedger_RecordAndList(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	for _, c := range []Commitment{
		{TenantID: "t1", Owner: "u1", Customer: "Acme", Summary: "SSO", DealValue: 100000, DueDate: "2026-05-03"},
		{TenantID: "t1", Owner: "u1", Customer: "Globex", Summary: "Audit log"},
		{TenantID: "t1", Owner: "u2", Customer: "Acme Corp", Summary: "SCIM", DueDate: "2026-04-01"},
		{TenantID: "t2", Owner: "u3", Customer: "Acme", Summary: "other tenant"},
	} {
		if _, err := l.Record(ctx, c); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := l.List(ctx, Filter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	// Soonest due first, undated last.
	if all[0].Summary != "SCIM" || all[1].Summary != "SSO" || all[2].Summary != "Audit log" {
		t.Errorf("order = %s, %s, %s", all[0].Summary, all[1].Summary, all[2].Summary)
	}
	if all[0].Status != StatusOpen {
		t.Errorf("status = %q", all[0].Status)
	}

	acme, err := l.List(ctx, Filter{TenantID: "t1", Customer: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(acme) != 2 {
		t.Errorf("acme commitments = %d, want 2", len(acme))
	}
}

func TestLedger_RequiresTenant(t *testing.T) {
	l := testLedger(t)
	if _, err := l.Record(context.Background(), Commitment{Customer: "a", Summary: "b"}); err == nil {
		t.Error("Record without tenant should fail")
	}
	if _, err := l.List(context.Background(), Filter{}); err == nil {
		t.Error("List without tenant should fail")
	}
}

func TestLedger_SetStatus(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	c, err := l.Record(ctx, Commitment{TenantID: "t1", Customer: "Acme", Summary: "SSO"})
	if err != nil {
		t.Fatal(err)
	}

	if err := l.SetStatus(ctx, "t2", c.ID, StatusMet); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant SetStatus err = %v, want ErrNotFound", err)
	}
	if err := l.SetStatus(ctx, "t1", c.ID, "maybe"); err == nil {
		t.Error("invalid status should fail")
	}
	if err := l.SetStatus(ctx, "t1", c.ID, StatusMet); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	met, _ := l.List(ctx, Filter{TenantID: "t1", Status: StatusMet})
	if len(met) != 1 {
		t.Errorf("met = %d, want 1", len(met))
	}
}

type fakeDirectory struct {
	contacts []Contact
	query    string
	limit    int
}

func (f *fakeDirectory) FindContacts(_ context.Context, query string, limit int) ([]Contact, error) {
	f.query, f.limit = query, limit
	return f.contacts, nil
}

func TestKit_Tools(t *testing.T) {
	tests := []struct {
		name string
		kit  *Kit
		want []string
	}{
		{"ledger only", NewKit(nil, &Ledger{}), []string{"crm_record_commitment", "crm_list_commitments"}},
		{"full", NewKit(&fakeDirectory{}, &Ledger{}), []string{"crm_find_contact", "crm_record_commitment", "crm_list_commitments"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.kit.Tools()
			if len(got) != len(tt.want) {
				t.Fatalf("tools = %d, want %d", len(got), len(tt.want))
			}
			for i, tool := range got {
				if tool.Name != tt.want[i] {
					t.Errorf("tool[%d] = %q, want %q", i, tool.Name, tt.want[i])
				}
				if tool.Integration != Integration {
					t.Errorf("%s integration = %q", tool.Name, tool.Integration)
				}
			}
		})
	}
}

func TestKit_RecordAndList(t *testing.T) {
	k := NewKit(nil, testLedger(t))
	ctx := tenantCtx("t1", "rep@vendor.example")

	out, err := k.handleRecord(ctx, map[string]any{
		"customer":   "Acme",
		"summary":    "Ship SSO",
		"deal_value": float64(100000),
		"due_date":   "2026-05-03",
	})
	if err != nil {
		t.Fatalf("handleRecord: %v", err)
	}
	if !strings.Contains(out, "Recorded commitment") {
		t.Errorf("out = %q", out)
	}

	out, err = k.handleList(ctx, map[string]any{})
	if err != nil {
		t.Fatalf("handleList: %v", err)
	}
	if !strings.Contains(out, "[open] Acme: Ship SSO ($100000) due 2026-05-03") {
		t.Errorf("list = %q", out)
	}

	out, err = k.handleList(tenantCtx("t2", "x"), map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "No commitments recorded." {
		t.Errorf("other tenant saw %q", out)
	}
}

func TestKit_RecordErrors(t *testing.T) {
	k := NewKit(nil, testLedger(t))
	if _, err := k.handleRecord(context.Background(), map[string]any{"customer": "a", "summary": "b"}); err == nil {
		t.Error("expected error without identity")
	}
	if _, err := k.handleRecord(tenantCtx("t1", "u"), map[string]any{"customer": "a", "summary": "b", "due_date": "May 3"}); err == nil {
		t.Error("expected error for bad due_date")
	}
	if _, err := k.handleRecord(tenantCtx("t1", "u"), map[string]any{"customer": "a"}); err == nil {
		t.Error("expected error for missing summary")
	}
}

func TestKit_FindContact(t *testing.T) {
	dir := &fakeDirectory{contacts: []Contact{{
		Name:         "Ada Byron",
		Emails:       []string{"ada@acme.example"},
		Organization: "Acme",
		Title:        "CTO",
	}}}
	k := NewKit(dir, nil)
	out, err := k.handleFind(context.Background(), map[string]any{"query": "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if dir.query != "acme" || dir.limit != 10 {
		t.Errorf("query=%q limit=%d", dir.query, dir.limit)
	}
	if strings.TrimSpace(out) != "Ada Byron (CTO, Acme) <ada@acme.example>" {
		t.Errorf("out = %q", out)
	}
}

func TestContactFromCard(t *testing.T) {
	card := make(vcard.Card)
	card.SetValue(vcard.FieldFormattedName, "Grace Hopper")
	card.AddValue(vcard.FieldEmail, "grace@globex.example")
	card.AddValue(vcard.FieldEmail, "g@home.example")
	card.SetValue(vcard.FieldOrganization, "Globex;Engineering")
	card.SetValue(vcard.FieldTelephone, "+1 555 0100")

	c := ContactFromCard(card)
	if c.Name != "Grace Hopper" {
		t.Errorf("Name = %q", c.Name)
	}
	if len(c.Emails) != 2 {
		t.Errorf("Emails = %v", c.Emails)
	}
	if c.Organization != "Globex" {
		t.Errorf("Organization = %q", c.Organization)
	}
	if len(c.Phones) != 1 {
		t.Errorf("Phones = %v", c.Phones)
	}
}

func TestContactFromCard_StructuredName(t *testing.T) {
	card := make(vcard.Card)
	card.SetName(&vcard.Name{Field: &vcard.Field{}, GivenName: "Alan", FamilyName: "Turing"})
	if got := ContactFromCard(card).Name; got != "Alan Turing" {
		t.Errorf("Name = %q", got)
	}
}
