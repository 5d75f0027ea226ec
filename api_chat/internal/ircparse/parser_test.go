package ircparse

import "testing"

func TestParsePrivmsgWithTags(t *testing.T) {
	raw := "@display-name=plss;user-id=103033809;color=#FFBEDF :plss!plss@plss.tmi.twitch.tv PRIVMSG #sleepiebug :something piss something\r\n"

	frame, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if frame.Command != "PRIVMSG" {
		t.Fatalf("command = %q, want PRIVMSG", frame.Command)
	}
	if frame.Tag("user-id") != "103033809" {
		t.Fatalf("user-id tag = %q", frame.Tag("user-id"))
	}
	if frame.Tag("display-name") != "plss" {
		t.Fatalf("display-name tag = %q", frame.Tag("display-name"))
	}
	if frame.Source == nil || frame.Source.Nick != "plss" {
		t.Fatalf("source = %+v", frame.Source)
	}
	if frame.ExtractChannel() != "sleepiebug" {
		t.Fatalf("channel = %q", frame.ExtractChannel())
	}
	if len(frame.Params) != 2 || frame.Params[1] != "something piss something" {
		t.Fatalf("params = %+v", frame.Params)
	}
}

func TestParseNoTagsNoSource(t *testing.T) {
	frame, err := Parse("PING :tmi.twitch.tv\r\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if frame.Command != "PING" {
		t.Fatalf("command = %q", frame.Command)
	}
	if len(frame.Params) != 1 || frame.Params[0] != "tmi.twitch.tv" {
		t.Fatalf("params = %+v", frame.Params)
	}
	if frame.Source != nil {
		t.Fatalf("expected nil source, got %+v", frame.Source)
	}
}

func TestParseJoin(t *testing.T) {
	frame, err := Parse(":plss!plss@plss.tmi.twitch.tv JOIN #sleepiebug\r\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if frame.Command != "JOIN" {
		t.Fatalf("command = %q", frame.Command)
	}
	if frame.ExtractChannel() != "sleepiebug" {
		t.Fatalf("channel = %q", frame.ExtractChannel())
	}
}

func TestParseMissingCommand(t *testing.T) {
	if _, err := Parse("   \r\n"); err != ErrMissingCommand {
		t.Fatalf("expected ErrMissingCommand, got %v", err)
	}
}

func TestParseUTF8TrailingParam(t *testing.T) {
	raw := "PRIVMSG #sleepiebug :hello \U0001F5E3️ 123 \U0001FAB1 world\r\n"
	frame, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "hello \U0001F5E3️ 123 \U0001FAB1 world"
	if frame.Params[1] != want {
		t.Fatalf("trailing param = %q, want %q", frame.Params[1], want)
	}
}

func TestParseCommandIsUppercased(t *testing.T) {
	frame, err := Parse("privmsg #x :hi\r\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if frame.Command != "PRIVMSG" {
		t.Fatalf("command = %q", frame.Command)
	}
}

func TestParseSourceWithoutHost(t *testing.T) {
	frame, err := Parse(":nick!user NOTICE #chan :msg\r\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if frame.Source.User != "user" || frame.Source.Host != "" {
		t.Fatalf("source = %+v", frame.Source)
	}
}
