package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adhilroshan/callendar/internal/calendar"
)

type placedCall struct {
	destination string
	message     string
}

type fakeNotifier struct {
	mu      sync.Mutex
	calls   []placedCall
	failFor map[string]error
}

func (n *fakeNotifier) PlaceCall(_ context.Context, destination, message string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for title, err := range n.failFor {
		if strings.Contains(message, title) {
			return "", err
		}
	}
	n.calls = append(n.calls, placedCall{destination: destination, message: message})
	return "CA-test", nil
}

type faultyLedger struct {
	AlertLedger
	readErr  error
	writeErr error
}

func (l *faultyLedger) HasAlerted(ctx context.Context, userID, eventID string) (bool, error) {
	if l.readErr != nil {
		return false, l.readErr
	}
	return l.AlertLedger.HasAlerted(ctx, userID, eventID)
}

func (l *faultyLedger) RecordAlert(ctx context.Context, userID, eventID string, at time.Time) (bool, error) {
	if l.writeErr != nil {
		return false, l.writeErr
	}
	return l.AlertLedger.RecordAlert(ctx, userID, eventID, at)
}

func newTestDispatcher(t *testing.T, ledger AlertLedger, notifier Notifier) *Dispatcher {
	t.Helper()
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Ledger:   ledger,
		Notifier: notifier,
		Clock:    func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	return dispatcher
}

func upcoming(id, title string, offset time.Duration) calendar.Event {
	start := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC).Add(offset)
	return calendar.Event{ID: id, Title: title, Start: start, End: start.Add(30 * time.Minute)}
}

var testRecipient = Recipient{UserID: "user-1", PhoneNumber: "+15551112222"}

func TestDispatchCallsOncePerEventAcrossCycles(t *testing.T) {
	ledger := newTestLedger(t)
	notifier := &fakeNotifier{}
	dispatcher := newTestDispatcher(t, ledger, notifier)
	events := []calendar.Event{upcoming("e1", "Standup", 3*time.Minute)}

	first := dispatcher.Dispatch(context.Background(), testRecipient, events)
	if first.CallsMade != 1 || len(first.Failures) != 0 {
		t.Fatalf("unexpected first result %+v", first)
	}
	if notifier.calls[0].destination != testRecipient.PhoneNumber {
		t.Fatalf("unexpected destination %q", notifier.calls[0].destination)
	}
	if notifier.calls[0].message != `Reminder: You have an event "Standup" starting soon.` {
		t.Fatalf("unexpected message %q", notifier.calls[0].message)
	}

	second := dispatcher.Dispatch(context.Background(), testRecipient, events)
	if second.CallsMade != 0 || second.AlreadyAlerted != 1 {
		t.Fatalf("expected second cycle to skip alerted event, got %+v", second)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", len(notifier.calls))
	}
}

func TestDispatchContinuesAfterCallFailure(t *testing.T) {
	ledger := newTestLedger(t)
	notifier := &fakeNotifier{failFor: map[string]error{"Broken": errors.New("provider rejected")}}
	dispatcher := newTestDispatcher(t, ledger, notifier)
	events := []calendar.Event{
		upcoming("e1", "Broken", time.Minute),
		upcoming("e2", "Works", 2*time.Minute),
	}

	result := dispatcher.Dispatch(context.Background(), testRecipient, events)
	if result.CallsMade != 1 {
		t.Fatalf("expected one call, got %+v", result)
	}
	if len(result.Failures) != 1 || result.Failures[0].EventID != "e1" {
		t.Fatalf("expected failure for e1, got %+v", result.Failures)
	}

	alerted, err := ledger.HasAlerted(context.Background(), "user-1", "e1")
	if err != nil || alerted {
		t.Fatalf("failed call must not be recorded, got alerted=%v err=%v", alerted, err)
	}
	alerted, err = ledger.HasAlerted(context.Background(), "user-1", "e2")
	if err != nil || !alerted {
		t.Fatalf("placed call must be recorded, got alerted=%v err=%v", alerted, err)
	}
}

func TestDispatchUsesPlaceholderTitle(t *testing.T) {
	notifier := &fakeNotifier{}
	dispatcher := newTestDispatcher(t, newTestLedger(t), notifier)

	dispatcher.Dispatch(context.Background(), testRecipient, []calendar.Event{upcoming("e1", "", time.Minute)})
	if len(notifier.calls) != 1 || !strings.Contains(notifier.calls[0].message, `"Untitled"`) {
		t.Fatalf("expected placeholder title, got %+v", notifier.calls)
	}
}

func TestDispatchSkipsRepeatedEventIDsWithinOneRun(t *testing.T) {
	notifier := &fakeNotifier{}
	ledger := &faultyLedger{AlertLedger: newTestLedger(t), writeErr: errors.New("disk full")}
	dispatcher := newTestDispatcher(t, ledger, notifier)

	result := dispatcher.Dispatch(context.Background(), testRecipient, []calendar.Event{
		upcoming("e1", "Standup", time.Minute),
		upcoming("e1", "Standup", time.Minute),
	})
	if len(notifier.calls) != 1 {
		t.Fatalf("expected one call for repeated id, got %d", len(notifier.calls))
	}
	if result.CallsMade != 1 {
		t.Fatalf("placed call must count even when unrecorded, got %+v", result)
	}
	if len(result.Failures) != 1 || !errors.Is(result.Failures[0].Err, ErrAlertNotRecorded) {
		t.Fatalf("expected not-recorded failure, got %+v", result.Failures)
	}
}

func TestDispatchSkipsEventWhenLedgerUnreadable(t *testing.T) {
	notifier := &fakeNotifier{}
	ledger := &faultyLedger{AlertLedger: newTestLedger(t), readErr: errors.New("locked")}
	dispatcher := newTestDispatcher(t, ledger, notifier)

	result := dispatcher.Dispatch(context.Background(), testRecipient, []calendar.Event{upcoming("e1", "Standup", time.Minute)})
	if len(notifier.calls) != 0 {
		t.Fatalf("no call must be placed without a ledger read")
	}
	if len(result.Failures) != 1 || !errors.Is(result.Failures[0].Err, ErrLedgerUnavailable) {
		t.Fatalf("expected ledger failure, got %+v", result.Failures)
	}
}

func TestDispatchWithoutPhoneNumberPlacesNoCalls(t *testing.T) {
	notifier := &fakeNotifier{}
	dispatcher := newTestDispatcher(t, newTestLedger(t), notifier)
	result := dispatcher.Dispatch(context.Background(), Recipient{UserID: "user-1"}, []calendar.Event{upcoming("e1", "Standup", time.Minute)})
	if result.CallsMade != 0 || len(notifier.calls) != 0 {
		t.Fatalf("expected no calls, got %+v", result)
	}
}

func TestComposeTestMessageTruncates(t *testing.T) {
	long := strings.Repeat("a", MaxCustomMessageLength+20)
	if got := ComposeTestMessage(long); len([]rune(got)) != MaxCustomMessageLength {
		t.Fatalf("expected truncation to %d, got %d", MaxCustomMessageLength, len([]rune(got)))
	}
	if got := ComposeTestMessage("   "); got != defaultTestMessage {
		t.Fatalf("expected default message, got %q", got)
	}
}
