package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"tallyhook/api_chat/internal/counter"
	"tallyhook/api_chat/internal/identity"
	"tallyhook/api_chat/internal/worker"
)

type fakeDoer struct {
	handle func(req *http.Request) (*http.Response, error)
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) { return f.handle(req) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: make(http.Header)}
}

// identityStub resolves any login/id to a profile derived from the key
// itself, so tests don't need to special-case the upstream JSON shape per
// lookup kind.
func newIdentityStub() *identity.Resolver {
	doer := &fakeDoer{
		handle: func(req *http.Request) (*http.Response, error) {
			if strings.Contains(req.URL.Path, "/chat/color") {
				return jsonResponse(200, `{"data":[]}`), nil
			}
			if strings.Contains(req.URL.Path, "/users") {
				q := req.URL.Query()
				var ids, logins []string
				if v, ok := q["id"]; ok {
					ids = v
				}
				if v, ok := q["login"]; ok {
					logins = v
				}
				var rows []string
				for _, id := range ids {
					rows = append(rows, fmt.Sprintf(`{"id":"%s","login":"user%s","display_name":"User%s"}`, id, id, id))
				}
				for _, login := range logins {
					rows = append(rows, fmt.Sprintf(`{"id":"id-%s","login":"%s","display_name":"%s"}`, login, login, login))
				}
				return jsonResponse(200, `{"data":[`+strings.Join(rows, ",")+`]}`), nil
			}
			return jsonResponse(200, `{"data":[]}`), nil
		},
	}
	return identity.New(identity.Config{BaseURL: "https://upstream.example", HTTPClient: doer})
}

func newMockStore(t *testing.T) (*counter.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return counter.New(db), mock
}

type fakeSender struct {
	sent chan [2]string // [channel, text]
}

func newFakeSender() *fakeSender { return &fakeSender{sent: make(chan [2]string, 4)} }

func (f *fakeSender) Send(ctx context.Context, channel, text string) error {
	f.sent <- [2]string{channel, text}
	return nil
}

func TestHandleIncrementsOnNeedleMatch(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chatters")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO channels")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scores")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE chatters SET total")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE channels SET channel_total")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p := New(Config{
		Identity: newIdentityStub(),
		Store:    store,
		Fleet:    newFakeSender(),
		Needle:   "piss",
	})

	p.handle(context.Background(), worker.Event{
		Kind: worker.EventPrivmsg, Channel: "sleepiebug", ChatterID: "7", ChatterName: "plss", Text: "this message mentions piss",
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleSkipsNonMatchingMessage(t *testing.T) {
	store, mock := newMockStore(t)
	p := New(Config{Identity: newIdentityStub(), Store: store, Fleet: newFakeSender(), Needle: "piss"})

	p.handle(context.Background(), worker.Event{
		Kind: worker.EventPrivmsg, Channel: "sleepiebug", ChatterID: "7", ChatterName: "plss", Text: "hello world",
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected db activity: %v", err)
	}
}

func TestReplyCountSendsFormattedMessageWhenAllowlisted(t *testing.T) {
	store, mock := newMockStore(t)
	// "!pisscount" itself contains the needle substring "piss", so the
	// count-match write step fires before the command reply does.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chatters")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO channels")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scores")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE chatters SET total")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE channels SET channel_total")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, login, display_name, color, image, total, private")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "login", "display_name", "color", "image", "total", "private"}).
			AddRow("7", "plss", "plss", "", "", int64(42), false))

	sender := newFakeSender()
	p := New(Config{
		Identity:       newIdentityStub(),
		Store:          store,
		Fleet:          sender,
		Needle:         "piss",
		CommandEnabled: []string{"sleepiebug"},
		ReplyWindow:    2 * time.Second,
	})

	p.handle(context.Background(), worker.Event{
		Kind: worker.EventPrivmsg, Channel: "sleepiebug", ChatterID: "7", ChatterName: "plss", Text: "!pisscount",
	})

	select {
	case msg := <-sender.sent:
		if msg[0] != "sleepiebug" || !strings.Contains(msg[1], "42") || !strings.Contains(msg[1], "plss") {
			t.Fatalf("sent = %v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command reply")
	}
}

func TestReplyCountIsRateLimited(t *testing.T) {
	store, mock := newMockStore(t)
	// Needle deliberately distinct from the command word so only the
	// command path (not the count-match write step) runs in this test.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, login, display_name, color, image, total, private")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "login", "display_name", "color", "image", "total", "private"}).
			AddRow("7", "plss", "plss", "", "", int64(1), false))

	sender := newFakeSender()
	p := New(Config{
		Identity:       newIdentityStub(),
		Store:          store,
		Fleet:          sender,
		Needle:         "xyz123",
		CommandEnabled: []string{"sleepiebug"},
		ReplyWindow:    time.Minute,
	})

	ev := worker.Event{Kind: worker.EventPrivmsg, Channel: "sleepiebug", ChatterID: "7", ChatterName: "plss", Text: "!pisscount"}
	p.handle(context.Background(), ev)
	p.handle(context.Background(), ev)

	replies := 0
drain:
	for {
		select {
		case <-sender.sent:
			replies++
		case <-time.After(50 * time.Millisecond):
			break drain
		}
	}
	if replies != 1 {
		t.Fatalf("replies = %d, want 1", replies)
	}
}

func TestReplyCountIgnoredOutsideAllowlist(t *testing.T) {
	store, _ := newMockStore(t)
	sender := newFakeSender()
	p := New(Config{
		Identity:       newIdentityStub(),
		Store:          store,
		Fleet:          sender,
		Needle:         "xyz123",
		CommandEnabled: []string{"otherchannel"},
	})

	p.handle(context.Background(), worker.Event{
		Kind: worker.EventPrivmsg, Channel: "sleepiebug", ChatterID: "7", ChatterName: "plss", Text: "!pisscount",
	})

	select {
	case msg := <-sender.sent:
		t.Fatalf("unexpected reply %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
