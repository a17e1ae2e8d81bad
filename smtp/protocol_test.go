package smtp

import "testing"

func TestParseLineBasicVerbs(t *testing.T) {
	cmd, err := ParseLine("QUIT")
	if err != nil || cmd.Verb != VerbQUIT {
		t.Fatalf("%+v %v", cmd, err)
	}
	cmd, err = ParseLine("ehlo mail.example.com")
	if err != nil || cmd.Verb != VerbEHLO || cmd.Arg != "mail.example.com" {
		t.Fatalf("%+v %v", cmd, err)
	}
	cmd, err = ParseLine("BOGUS foo")
	if err != nil || cmd.Verb != VerbUnknown {
		t.Fatalf("%+v %v", cmd, err)
	}
}

func TestParseLineTooLong(t *testing.T) {
	long := make([]byte, MaxCommandLineLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := ParseLine(string(long))
	if err == nil || err.Kind != ParseErrTooLong {
		t.Fatalf("expected ParseErrTooLong, got %v", err)
	}
}

func TestParseMailFromAngleBrackets(t *testing.T) {
	cmd, err := ParseLine("MAIL FROM:<alice@example.com> SIZE=1024 BODY=8BITMIME")
	if err != nil {
		t.Fatalf("%v", err)
	}
	if cmd.Address != "alice@example.com" || !cmd.HasSize || cmd.Size != 1024 || cmd.Body != "8BITMIME" {
		t.Fatalf("%+v", cmd)
	}
}

func TestParseMailFromBareAddress(t *testing.T) {
	cmd, err := ParseLine("MAIL FROM:bob@example.com")
	if err != nil {
		t.Fatalf("%v", err)
	}
	if cmd.Address != "bob@example.com" {
		t.Fatalf("%+v", cmd)
	}
}

func TestParseMailFromBadSize(t *testing.T) {
	_, err := ParseLine("MAIL FROM:<a@b.com> SIZE=notanumber")
	if err == nil || err.Kind != ParseErrMalformedParameter {
		t.Fatalf("expected ParseErrMalformedParameter, got %v", err)
	}
}

func TestParseMailFromUnknownParam(t *testing.T) {
	cmd, err := ParseLine("MAIL FROM:<a@b.com> FOO=BAR")
	if err != nil {
		t.Fatalf("%v", err)
	}
	if len(cmd.UnknownParams) != 1 || cmd.UnknownParams[0] != "FOO" {
		t.Fatalf("%+v", cmd)
	}
}

func TestParseRcptToNotify(t *testing.T) {
	cmd, err := ParseLine("RCPT TO:<carol@example.com> NOTIFY=SUCCESS,FAILURE ORCPT=rfc822;carol@example.com")
	if err != nil {
		t.Fatalf("%v", err)
	}
	if cmd.Address != "carol@example.com" || len(cmd.Notify) != 2 || cmd.Orcpt == "" {
		t.Fatalf("%+v", cmd)
	}
}

func TestParseRcptToBadNotify(t *testing.T) {
	_, err := ParseLine("RCPT TO:<a@b.com> NOTIFY=BOGUS")
	if err == nil || err.Kind != ParseErrMalformedParameter {
		t.Fatalf("expected ParseErrMalformedParameter, got %v", err)
	}
}

func TestParseBdatChunks(t *testing.T) {
	cmd, err := ParseLine("BDAT 1024")
	if err != nil || cmd.ChunkSize != 1024 || cmd.Last {
		t.Fatalf("%+v %v", cmd, err)
	}
	cmd, err = ParseLine("BDAT 512 LAST")
	if err != nil || cmd.ChunkSize != 512 || !cmd.Last {
		t.Fatalf("%+v %v", cmd, err)
	}
	_, err = ParseLine("BDAT notanumber")
	if err == nil || err.Kind != ParseErrMalformedBdat {
		t.Fatalf("expected ParseErrMalformedBdat, got %v", err)
	}
}

func TestParseAuthWithInitialResponse(t *testing.T) {
	cmd, err := ParseLine("AUTH PLAIN AGFsaWNlAHNlY3JldA==")
	if err != nil {
		t.Fatalf("%v", err)
	}
	if cmd.AuthMechanism != "PLAIN" || !cmd.HasInitialResponse {
		t.Fatalf("%+v", cmd)
	}
	cmd, err = ParseLine("AUTH LOGIN")
	if err != nil || cmd.AuthMechanism != "LOGIN" || cmd.HasInitialResponse {
		t.Fatalf("%+v %v", cmd, err)
	}
}
