package templates

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/goliatone/go-payhooks/core"
)

func TestDefaultPaymentTemplatesRender(t *testing.T) {
	renderer, err := New()
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	for _, name := range []string{"payment_success", "payment_failed", "payment_cancelled", "payment_refunded"} {
		if !renderer.Has(name) {
			t.Fatalf("expected embedded template %s", name)
		}
	}
	out, err := renderer.Render(context.Background(), "payment_success", "", map[string]string{
		"order_code":     "1001",
		"amount":         "50000",
		"owner_name":     "Ada",
		"transaction_id": "tx-1",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Subject != "Payment received for order 1001" {
		t.Fatalf("unexpected subject %q", out.Subject)
	}
	for _, want := range []string{"Hi Ada,", "50000", "Reference: tx-1", "sent about order 1001"} {
		if !strings.Contains(out.HTMLBody, want) {
			t.Fatalf("expected %q in body:\n%s", want, out.HTMLBody)
		}
	}
}

func TestRenderEscapesReplacements(t *testing.T) {
	renderer, _ := New()
	out, err := renderer.Render(context.Background(), "payment_success", "", map[string]string{
		"order_code": "1",
		"owner_name": "<script>alert(1)</script>",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(out.HTMLBody, "<script>") {
		t.Fatalf("expected html escaping, got %s", out.HTMLBody)
	}
}

func TestSubjectOverrideUsesReplacements(t *testing.T) {
	renderer, _ := New()
	out, err := renderer.Render(context.Background(), "announcement", "News for {{.first_name}}", map[string]string{
		"first_name": "Grace",
		"message":    "hello",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Subject != "News for Grace" {
		t.Fatalf("unexpected subject %q", out.Subject)
	}
	if strings.Contains(out.HTMLBody, "sent about order") {
		t.Fatalf("footer should be omitted without an order code")
	}
}

func TestMissingReplacementRendersEmpty(t *testing.T) {
	renderer, _ := New()
	out, err := renderer.Render(context.Background(), "payment_failed", "", map[string]string{"order_code": "9"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(out.HTMLBody, "no value") || !strings.Contains(out.HTMLBody, "Hi there,") {
		t.Fatalf("expected missing keys to render empty, got %s", out.HTMLBody)
	}
}

func TestUnknownTemplateIsPermanent(t *testing.T) {
	renderer, _ := New()
	_, err := renderer.Render(context.Background(), "missing", "", nil)
	if !errors.Is(err, core.ErrTemplateNotFound) || !core.IsPermanent(err) {
		t.Fatalf("expected permanent template-not-found, got %v", err)
	}
}

func TestWithDirectoryOverridesAndAdds(t *testing.T) {
	fsys := fstest.MapFS{
		"mail/subjects.txt":         {Data: []byte("# custom\nwelcome=Welcome {{.first_name}}\n")},
		"mail/welcome.html":         {Data: []byte("<p>Welcome {{.first_name}}</p>")},
		"mail/payment_success.html": {Data: []byte(`{{define "content"}}<p>custom {{.order_code}}</p>{{end}}`)},
	}
	renderer, err := New(WithDirectory(fsys, "mail"))
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	out, err := renderer.Render(context.Background(), "welcome", "", map[string]string{"first_name": "Lin"})
	if err != nil {
		t.Fatalf("render welcome: %v", err)
	}
	if out.Subject != "Welcome Lin" || !strings.Contains(out.HTMLBody, "<p>Welcome Lin</p>") {
		t.Fatalf("unexpected welcome email %#v", out)
	}
	custom, err := renderer.Render(context.Background(), "payment_success", "Paid", map[string]string{"order_code": "5"})
	if err != nil {
		t.Fatalf("render override: %v", err)
	}
	if !strings.Contains(custom.HTMLBody, "custom 5") || custom.Subject != "Paid" {
		t.Fatalf("expected directory template to replace embedded one, got %#v", custom)
	}
}

func TestRegisterRejectsBrokenTemplates(t *testing.T) {
	renderer, _ := New()
	if err := renderer.Register("", "s", "b"); err == nil {
		t.Fatalf("expected empty name to fail")
	}
	if err := renderer.Register("broken", "s", "{{.unterminated"); err == nil {
		t.Fatalf("expected parse error")
	}
}
