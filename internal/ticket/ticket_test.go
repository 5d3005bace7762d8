package ticket

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewCodec(key)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRoundTrip(t *testing.T) {
	c := testCodec(t)
	now := time.Now()

	tokens := []string{"192.0.2.5", ".mx.example.com", "@example.com"}
	tk, micros, err := c.Encode(tokens, "bob@test.tld", now)
	if err != nil {
		t.Fatal(err)
	}

	claim, err := c.Decode(tk, now)
	if err != nil {
		t.Fatal(err)
	}
	if claim.Micros != micros {
		t.Errorf("micros: want %d, got %d", micros, claim.Micros)
	}
	if !reflect.DeepEqual(claim.Tokens, tokens) {
		t.Errorf("tokens: want %v, got %v", tokens, claim.Tokens)
	}
	if claim.Recipient != "bob@test.tld" {
		t.Errorf("recipient: want bob@test.tld, got %s", claim.Recipient)
	}
}

func TestRoundTripNoRecipient(t *testing.T) {
	c := testCodec(t)
	now := time.Now()

	tk, _, err := c.Encode([]string{"192.0.2.5"}, "", now)
	if err != nil {
		t.Fatal(err)
	}
	claim, err := c.Decode(tk, now)
	if err != nil {
		t.Fatal(err)
	}
	if claim.Recipient != "" {
		t.Errorf("recipient: want empty, got %s", claim.Recipient)
	}
}

func TestExpired(t *testing.T) {
	c := testCodec(t)
	now := time.Now()

	tk, _, err := c.Encode([]string{"192.0.2.5"}, "", now)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Decode(tk, now.Add(6*24*time.Hour))
	if !errors.Is(err, ErrExpired) {
		t.Errorf("want ErrExpired, got %v", err)
	}

	// 4 days old is still inside the window.
	if _, err := c.Decode(tk, now.Add(4*24*time.Hour)); err != nil {
		t.Errorf("4-day-old ticket rejected: %v", err)
	}
}

func TestMalformed(t *testing.T) {
	c := testCodec(t)
	now := time.Now()

	for _, tk := range []string{"", "not-base64!!!", "AAAA", "cGxhaW50ZXh0cGxhaW50ZXh0cGxhaW50ZXh0cGxhaW50ZXh0"} {
		if _, err := c.Decode(tk, now); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q): want ErrMalformed, got %v", tk, err)
		}
	}
}

func TestWrongKeyRejected(t *testing.T) {
	c := testCodec(t)
	other, err := NewCodec(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}

	tk, _, err := c.Encode([]string{"192.0.2.5"}, "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Decode(tk, time.Now()); !errors.Is(err, ErrMalformed) {
		t.Errorf("foreign-key ticket accepted: %v", err)
	}
}

func TestMonotonicTimestamps(t *testing.T) {
	c := testCodec(t)
	now := time.Now()

	var last int64
	for i := 0; i < 100; i++ {
		// Same wall-clock instant on every call: timestamps must still be
		// strictly increasing.
		_, micros, err := c.Encode([]string{"a"}, "", now)
		if err != nil {
			t.Fatal(err)
		}
		if micros <= last {
			t.Fatalf("timestamp went backwards: %d after %d", micros, last)
		}
		last = micros
	}
}

func TestBadKeyLength(t *testing.T) {
	if _, err := NewCodec([]byte("short")); err == nil {
		t.Error("want error for short key")
	}
}
