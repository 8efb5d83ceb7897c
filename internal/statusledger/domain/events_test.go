package domain

import (
	"errors"
	"testing"
)

func TestNextHappyPath(t *testing.T) {
	seq := []EventType{
		EventCreated, EventReserving, EventReserved,
		EventPaymentAuthorizing, EventPaymentAuthorized,
		EventConfirmed, EventShipped, EventDelivered,
	}
	cur := StatusNone
	for _, et := range seq {
		next, err := Next(cur, et)
		if err != nil {
			t.Fatalf("append %s from %s: %v", et, cur, err)
		}
		cur = next
	}
	if cur != StatusDelivered {
		t.Fatalf("final status = %s, want %s", cur, StatusDelivered)
	}
}

func TestNextRejectsInvalidTransitions(t *testing.T) {
	cases := []struct {
		cur Status
		et  EventType
	}{
		{StatusNone, EventReserved},
		{StatusCreated, EventConfirmed},
		{StatusCancelled, EventReserving},
		{StatusDelivered, EventCancelled},
		{StatusReserveFailed, EventPaymentAuthorizing},
		{StatusConfirmed, EventPaymentAuthorized},
	}
	for _, tc := range cases {
		if _, err := Next(tc.cur, tc.et); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Next(%s, %s) err = %v, want ErrInvalidTransition", tc.cur, tc.et, err)
		}
	}
}

func TestFoldReplaysDeterministically(t *testing.T) {
	events := []Event{
		{Seq: 1, Type: EventCreated},
		{Seq: 2, Type: EventReserving},
		{Seq: 3, Type: EventReserveFailed},
		{Seq: 4, Type: EventCancelled},
	}
	for i := 0; i < 10; i++ {
		st, err := Fold(events)
		if err != nil {
			t.Fatalf("fold: %v", err)
		}
		if st != StatusCancelled {
			t.Fatalf("fold = %s, want %s", st, StatusCancelled)
		}
	}
}

func TestFoldRejectsCorruptSequence(t *testing.T) {
	events := []Event{
		{Seq: 1, Type: EventCreated},
		{Seq: 2, Type: EventConfirmed},
	}
	if _, err := Fold(events); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fold err = %v, want ErrInvalidTransition", err)
	}
}

func TestCompensationPathsProject(t *testing.T) {
	declined := []Event{
		{Seq: 1, Type: EventCreated},
		{Seq: 2, Type: EventReserving},
		{Seq: 3, Type: EventReserved},
		{Seq: 4, Type: EventPaymentAuthorizing},
		{Seq: 5, Type: EventPaymentDeclined},
		{Seq: 6, Type: EventCompensating},
		{Seq: 7, Type: EventCancelled},
	}
	if st, err := Fold(declined); err != nil || st != StatusCancelled {
		t.Fatalf("declined fold = %s, %v", st, err)
	}

	parked := []Event{
		{Seq: 1, Type: EventCreated},
		{Seq: 2, Type: EventReserving},
		{Seq: 3, Type: EventReserved},
		{Seq: 4, Type: EventReserveExpired},
		{Seq: 5, Type: EventCompensationFailed},
	}
	st, err := Fold(parked)
	if err != nil || st != StatusCancelledNeedsReview {
		t.Fatalf("parked fold = %s, %v", st, err)
	}
	if !Terminal(st) {
		t.Fatal("CANCELLED_NEEDS_REVIEW must be terminal")
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusCancelled, StatusCancelledNeedsReview, StatusDelivered} {
		if !Terminal(s) {
			t.Errorf("Terminal(%s) = false", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusConfirmed, StatusShipped, StatusCompensating} {
		if Terminal(s) {
			t.Errorf("Terminal(%s) = true", s)
		}
	}
}
