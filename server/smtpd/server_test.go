package smtpd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/mailtrack/models"
	"github.com/migadu/mailtrack/server/denylist"
	"github.com/migadu/mailtrack/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

const testMessage = "From: sender@example.com\r\n" +
	"To: a@example.org\r\n" +
	"Subject: Invoice 42\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"\r\n" +
	"Hello\r\n"

type fakeRelay struct {
	mu     sync.Mutex
	sent   []string
	fail   map[string]error
	seq    int
	bodies [][]byte
}

func (r *fakeRelay) Send(ctx context.Context, from, to string, msg []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[to]; err != nil {
		return "", err
	}
	r.seq++
	r.sent = append(r.sent, to)
	r.bodies = append(r.bodies, msg)
	return fmt.Sprintf("Q%d", r.seq), nil
}

type testServer struct {
	addr  string
	store *testutils.MemStore
	deny  *denylist.Manager
	relay *fakeRelay
}

func startTestServer(t *testing.T, users map[string]string) *testServer {
	t.Helper()
	store := testutils.NewMemStore()
	store.Now = func() time.Time { return testNow }
	deny := denylist.New(store)
	deny.SetClock(func() time.Time { return testNow })
	relay := &fakeRelay{fail: map[string]error{}}

	ctx, cancel := context.WithCancel(context.Background())
	b, err := New(ctx, store, deny, relay, ServerOptions{
		Hostname:          "mx.test",
		MaxMessageBytes:   1 << 20,
		MaxRecipients:     10,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		AllowInsecureAuth: true,
		Users:             users,
	})
	require.NoError(t, err)
	b.SetClock(func() time.Time { return testNow })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errChan := make(chan error, 1)
	go b.Serve(l, errChan)
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
	})

	return &testServer{addr: l.Addr().String(), store: store, deny: deny, relay: relay}
}

func (ts *testServer) emails(t *testing.T) []models.Email {
	t.Helper()
	emails, err := ts.store.ListEmailsCreatedBetween(context.Background(), testNow.Add(-time.Hour), testNow.Add(time.Hour), nil, 0)
	require.NoError(t, err)
	return emails
}

func sendMessage(t *testing.T, c *smtp.Client, body string) error {
	t.Helper()
	wc, err := c.Data()
	if err != nil {
		return err
	}
	_, err = io.WriteString(wc, body)
	require.NoError(t, err)
	return wc.Close()
}

func smtpCode(err error) int {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code
	}
	return 0
}

func TestSubmissionRecordsAndRelays(t *testing.T) {
	ts := startTestServer(t, nil)

	c, err := smtp.Dial(ts.addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Mail("Sender@Example.com", nil))
	require.NoError(t, c.Rcpt("A@example.org", nil))
	require.NoError(t, c.Rcpt("b@example.org", nil))
	require.NoError(t, sendMessage(t, c, testMessage))

	emails := ts.emails(t)
	require.Len(t, emails, 1)
	email := emails[0]
	assert.Equal(t, "abc123@example.com", email.MessageID)
	assert.Equal(t, "Invoice 42", email.Subject)
	assert.Equal(t, "sender@example.com", email.Sender)
	assert.Equal(t, models.EmailPending, email.Status)

	deliveries, err := ts.store.ListDeliveriesByEmail(context.Background(), email.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	queueIDs := map[string]string{}
	for _, d := range deliveries {
		assert.Equal(t, models.DeliverySent, d.Status)
		queueIDs[d.Recipient] = d.QueueID
	}
	assert.Equal(t, map[string]string{"a@example.org": "Q1", "b@example.org": "Q2"}, queueIDs)

	assert.Equal(t, []string{"a@example.org", "b@example.org"}, ts.relay.sent)
	assert.Contains(t, string(ts.relay.bodies[0]), "Subject: Invoice 42")
}

func TestSuppressedRecipientRejected(t *testing.T) {
	ts := startTestServer(t, nil)
	require.NoError(t, ts.deny.Suppress(context.Background(), "blocked@example.org", "hard bounce", "5.1.1"))

	c, err := smtp.Dial(ts.addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Mail("sender@example.com", nil))
	err = c.Rcpt("Blocked@example.org", nil)
	require.Error(t, err)
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)
	assert.Equal(t, smtp.EnhancedCode{5, 7, 1}, smtpErr.EnhancedCode)

	require.NoError(t, c.Rcpt("ok@example.org", nil))
	require.NoError(t, sendMessage(t, c, testMessage))

	emails := ts.emails(t)
	require.Len(t, emails, 1)
	deliveries, err := ts.store.ListDeliveriesByEmail(context.Background(), emails[0].ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "ok@example.org", deliveries[0].Recipient)
}

func TestRelayFailureLeavesDeliveryQueued(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.relay.fail["down@example.org"] = &RelayError{Err: errors.New("connection refused")}

	c, err := smtp.Dial(ts.addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Mail("sender@example.com", nil))
	require.NoError(t, c.Rcpt("down@example.org", nil))
	err = sendMessage(t, c, testMessage)
	require.Error(t, err)
	assert.Equal(t, 451, smtpCode(err))

	emails := ts.emails(t)
	require.Len(t, emails, 1)
	deliveries, err := ts.store.ListDeliveriesByEmail(context.Background(), emails[0].ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliveryQueued, deliveries[0].Status)
	assert.Empty(t, deliveries[0].QueueID)
}

func userUnknown() error {
	return &RelayError{
		Err:       fmt.Errorf("failed to set recipient: %w", &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "User unknown"}),
		Permanent: true,
	}
}

func TestPermanentRelayRejectionMarksDeliveryFailed(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.relay.fail["gone@example.org"] = userUnknown()

	c, err := smtp.Dial(ts.addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Mail("sender@example.com", nil))
	require.NoError(t, c.Rcpt("ok@example.org", nil))
	require.NoError(t, c.Rcpt("gone@example.org", nil))
	require.NoError(t, sendMessage(t, c, testMessage))
	assert.Equal(t, []string{"ok@example.org"}, ts.relay.sent)

	emails := ts.emails(t)
	require.Len(t, emails, 1)
	assert.Equal(t, models.EmailFailed, emails[0].Status)

	deliveries, err := ts.store.ListDeliveriesByEmail(context.Background(), emails[0].ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	byRecipient := map[string]models.Delivery{}
	for _, d := range deliveries {
		byRecipient[d.Recipient] = d
	}
	assert.Equal(t, models.DeliverySent, byRecipient["ok@example.org"].Status)
	gone := byRecipient["gone@example.org"]
	assert.Equal(t, models.DeliveryFailed, gone.Status)
	assert.Equal(t, "5.1.1", gone.DSN)
	assert.Equal(t, 5, gone.DSNClass)
	assert.Contains(t, gone.StatusText, "User unknown")
}

func TestAllRecipientsRejectedByRelay(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.relay.fail["gone@example.org"] = userUnknown()

	c, err := smtp.Dial(ts.addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Mail("sender@example.com", nil))
	require.NoError(t, c.Rcpt("gone@example.org", nil))
	err = sendMessage(t, c, testMessage)
	assert.Equal(t, 550, smtpCode(err))

	emails := ts.emails(t)
	require.Len(t, emails, 1)
	assert.Equal(t, models.EmailFailed, emails[0].Status)
}

func TestAuthenticationRequired(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	ts := startTestServer(t, map[string]string{"app": string(hash)})

	c, err := smtp.Dial(ts.addr)
	require.NoError(t, err)
	defer c.Close()

	err = c.Mail("sender@example.com", nil)
	require.Error(t, err)
	assert.GreaterOrEqual(t, smtpCode(err), 500)

	assert.Error(t, c.Auth(sasl.NewPlainClient("", "app", "wrong")))

	require.NoError(t, c.Auth(sasl.NewPlainClient("", "app", "s3cret")))
	require.NoError(t, c.Mail("sender@example.com", nil))
	require.NoError(t, c.Rcpt("a@example.org", nil))
	require.NoError(t, sendMessage(t, c, testMessage))
	assert.Len(t, ts.emails(t), 1)
}

func TestMalformedMessageRejected(t *testing.T) {
	ts := startTestServer(t, nil)

	c, err := smtp.Dial(ts.addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Mail("sender@example.com", nil))
	require.NoError(t, c.Rcpt("a@example.org", nil))
	err = sendMessage(t, c, "this is not a header line\r\n\r\nbody\r\n")
	assert.Equal(t, 554, smtpCode(err))
	assert.Empty(t, ts.emails(t))
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(context.Background(), nil, nil, nil, ServerOptions{})
	assert.Error(t, err)
}

func TestParseQueueID(t *testing.T) {
	assert.Equal(t, "4F9D31A2B", parseQueueID("2.0.0 Ok: queued as 4F9D31A2B"))
	assert.Equal(t, "4Xyz8kLmn", parseQueueID("Ok: queued as 4Xyz8kLmn"))
	assert.Equal(t, "", parseQueueID("2.0.0 Ok"))
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, IsPermanentError(nil))
	assert.True(t, IsPermanentError(&smtp.SMTPError{Code: 550}))
	assert.False(t, IsPermanentError(&smtp.SMTPError{Code: 451}))
	assert.True(t, IsPermanentError(&RelayError{Err: errors.New("x"), Permanent: true}))
	assert.False(t, IsPermanentError(errors.New("dial tcp: refused")))
}

// mtaBackend plays the downstream MTA for SMTPRelay tests.
type mtaBackend struct {
	reply *smtp.SMTPError
	mu    sync.Mutex
	got   []string
}

func (b *mtaBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &mtaSession{b: b}, nil
}

type mtaSession struct {
	b  *mtaBackend
	to string
}

func (s *mtaSession) Mail(from string, opts *smtp.MailOptions) error { return nil }
func (s *mtaSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if strings.HasPrefix(to, "unknown") {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "User unknown"}
	}
	s.to = to
	return nil
}
func (s *mtaSession) Data(r io.Reader) error {
	if _, err := io.ReadAll(r); err != nil {
		return err
	}
	s.b.mu.Lock()
	s.b.got = append(s.b.got, s.to)
	s.b.mu.Unlock()
	if s.b.reply == nil {
		return nil
	}
	return s.b.reply
}
func (s *mtaSession) Reset()        {}
func (s *mtaSession) Logout() error { return nil }

func startMTA(t *testing.T, reply *smtp.SMTPError) (*mtaBackend, string) {
	t.Helper()
	be := &mtaBackend{reply: reply}
	s := smtp.NewServer(be)
	s.Domain = "mta.test"
	s.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })
	return be, l.Addr().String()
}

func TestSMTPRelayExtractsQueueID(t *testing.T) {
	mta, addr := startMTA(t, &smtp.SMTPError{Code: 250, EnhancedCode: smtp.EnhancedCode{2, 0, 0}, Message: "Ok: queued as 4F9D31A2B"})
	relay := &SMTPRelay{Addr: addr, Hostname: "mailtrack.test", Timeout: 5 * time.Second}

	queueID, err := relay.Send(context.Background(), "sender@example.com", "a@example.org", []byte(testMessage))
	require.NoError(t, err)
	assert.Equal(t, "4F9D31A2B", queueID)
	assert.Equal(t, []string{"a@example.org"}, mta.got)

	_, err = relay.Send(context.Background(), "sender@example.com", "unknown@example.org", []byte(testMessage))
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))
}

func TestSMTPRelayWithoutQueueID(t *testing.T) {
	_, addr := startMTA(t, nil)
	relay := &SMTPRelay{Addr: addr, Timeout: 5 * time.Second}

	_, err := relay.Send(context.Background(), "sender@example.com", "a@example.org", []byte(testMessage))
	assert.ErrorIs(t, err, ErrNoQueueID)
}

func TestSMTPRelayUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	relay := &SMTPRelay{Addr: addr, Timeout: time.Second}
	_, err = relay.Send(context.Background(), "sender@example.com", "a@example.org", []byte(testMessage))
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
}
