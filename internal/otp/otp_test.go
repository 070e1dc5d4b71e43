package otp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"
	mail "gopkg.in/mail.v2"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Delivery
	err  error
}

func (r *recordingSender) Send(_ context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, d)
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func fixedCode(code string) func() (string, error) {
	return func() (string, error) { return code, nil }
}

var ana = Recipient{IdentityID: "id-1", Email: "ana@example.com"}

func TestIssueAndVerifyConsumesCode(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	c := NewChallenge(sender, WithCodeGenerator(fixedCode("123456")))

	if _, err := c.Issue(ctx, "ses-1", ana); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].Code != "123456" {
		t.Fatalf("unexpected deliveries %+v", sender.sent)
	}
	if err := c.Verify(ctx, "ses-1", "id-1", "000000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected invalid code, got %v", err)
	}
	if err := c.Verify(ctx, "ses-1", "id-1", "123456"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := c.Verify(ctx, "ses-1", "id-1", "123456"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("reused code accepted: %v", err)
	}
}

func TestVerifyRejectsExpiredAndForeignIdentity(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	c := NewChallenge(nil, WithCodeGenerator(fixedCode("111111")), WithClock(clock.Now), WithTTL(time.Minute))

	if _, err := c.Issue(ctx, "ses-1", ana); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := c.Verify(ctx, "ses-1", "id-2", "111111"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("code accepted for other identity: %v", err)
	}
	clock.Advance(time.Minute)
	if err := c.Verify(ctx, "ses-1", "id-1", "111111"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expired code accepted: %v", err)
	}
}

func TestResendCooldown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	codes := []string{"111111", "222222"}
	var n int32
	gen := func() (string, error) { return codes[atomic.AddInt32(&n, 1)-1], nil }
	c := NewChallenge(nil, WithCodeGenerator(gen), WithClock(clock.Now), WithCooldown(30*time.Second))

	if _, err := c.Issue(ctx, "ses-1", ana); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clock.Advance(10 * time.Second)
	if _, err := c.Issue(ctx, "ses-1", ana); !errors.Is(err, ErrResendCooldown) {
		t.Fatalf("expected cooldown, got %v", err)
	}
	clock.Advance(20 * time.Second)
	if _, err := c.Issue(ctx, "ses-1", ana); err != nil {
		t.Fatalf("resend after cooldown: %v", err)
	}
	if err := c.Verify(ctx, "ses-1", "id-1", "111111"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("superseded code accepted: %v", err)
	}
	if err := c.Verify(ctx, "ses-1", "id-1", "222222"); err != nil {
		t.Fatalf("latest code rejected: %v", err)
	}
}

func TestIssueFailsWhenDeliveryFails(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	c := NewChallenge(sender, WithCodeGenerator(fixedCode("123456")))
	if _, err := c.Issue(context.Background(), "ses-1", ana); err == nil {
		t.Fatalf("expected delivery error")
	}
	if err := c.Verify(context.Background(), "ses-1", "id-1", "123456"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("undelivered code accepted: %v", err)
	}
	if _, err := c.Issue(context.Background(), "ses-1", Recipient{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestBackupCodesAreSingleUse(t *testing.T) {
	ctx := context.Background()
	c := NewChallenge(nil, WithBackupCost(bcrypt.MinCost))
	codes, err := c.GenerateBackupCodes(ctx, "id-1", 3)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if n, _ := c.RemainingBackupCodes(ctx, "id-1"); len(codes) != 3 || n != 3 {
		t.Fatalf("unexpected backup codes %v (remaining %d)", codes, n)
	}
	if err := c.Verify(ctx, "ses-1", "id-1", strings.ToUpper(codes[1])); err != nil {
		t.Fatalf("backup code rejected: %v", err)
	}
	if err := c.Verify(ctx, "ses-1", "id-1", codes[1]); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("backup code reused: %v", err)
	}
	if err := c.Verify(ctx, "ses-1", "id-2", codes[0]); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("backup code crossed identities: %v", err)
	}
	if got, _ := c.RemainingBackupCodes(ctx, "id-1"); got != 2 {
		t.Fatalf("remaining = %d", got)
	}

	// Regenerating invalidates the earlier set.
	fresh, err := c.GenerateBackupCodes(ctx, "id-1", 1)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if err := c.Verify(ctx, "ses-2", "id-1", codes[0]); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("replaced code still accepted: %v", err)
	}
	if err := c.Verify(ctx, "ses-2", "id-1", fresh[0]); err != nil {
		t.Fatalf("fresh code rejected: %v", err)
	}
	if _, err := c.GenerateBackupCodes(ctx, "", 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

type failingBackups struct{ MemoryBackups }

func (f *failingBackups) UnusedBackupCodes(context.Context, string) ([]BackupCode, error) {
	return nil, errors.New("db down")
}

func TestBackupStoreErrorsSurface(t *testing.T) {
	c := NewChallenge(nil, WithBackupStore(&failingBackups{}))
	err := c.Verify(context.Background(), "ses-1", "id-1", "abcde-fghjk")
	if err == nil || errors.Is(err, ErrInvalidCode) {
		t.Fatalf("store failure reported as %v", err)
	}
}

func TestConcurrentBackupVerifySucceedsOnce(t *testing.T) {
	ctx := context.Background()
	c := NewChallenge(nil, WithBackupCost(bcrypt.MinCost))
	codes, err := c.GenerateBackupCodes(ctx, "id-1", 1)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Verify(ctx, "ses-1", "id-1", codes[0]) == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("expected one success, got %d", ok)
	}
}

func TestConcurrentVerifySucceedsOnce(t *testing.T) {
	ctx := context.Background()
	c := NewChallenge(nil, WithCodeGenerator(fixedCode("654321")))
	if _, err := c.Issue(ctx, "ses-1", ana); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Verify(ctx, "ses-1", "id-1", "654321") == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("expected exactly one success, got %d", ok)
	}
}

func TestRandomCodeShape(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := RandomCode()
		if err != nil {
			t.Fatalf("RandomCode: %v", err)
		}
		if len(code) != 6 || strings.Trim(code, "0123456789") != "" {
			t.Fatalf("unexpected code %q", code)
		}
	}
}

type captureDialer struct{ msgs []*mail.Message }

func (d *captureDialer) DialAndSend(m ...*mail.Message) error {
	d.msgs = append(d.msgs, m...)
	return nil
}

func TestMailSender(t *testing.T) {
	if _, err := NewMailSender(SMTPConfig{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	s, err := NewMailSender(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "noreply@example.com"})
	if err != nil {
		t.Fatalf("NewMailSender: %v", err)
	}
	d := &captureDialer{}
	s.dialer = d
	if err := s.Send(context.Background(), Delivery{Recipient: ana, Code: "123456", ExpiresAt: time.Now()}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(d.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(d.msgs))
	}
	if got := d.msgs[0].GetHeader("To"); len(got) != 1 || got[0] != "ana@example.com" {
		t.Fatalf("unexpected To header %v", got)
	}
	if err := s.Send(context.Background(), Delivery{Code: "1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected missing email error, got %v", err)
	}
}

func TestLogSender(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSender(zap.New(core))
	if err := s.Send(context.Background(), Delivery{Recipient: ana, Code: "123456"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	entries := logs.FilterMessage("otp_issued").All()
	if len(entries) != 1 || entries[0].ContextMap()["code"] != "123456" {
		t.Fatalf("unexpected log entries %+v", entries)
	}
}
