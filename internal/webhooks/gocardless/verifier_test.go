package gocardlesswebhook

import (
	"strings"
	"testing"

	pkgerrors "github.com/angelmondragon/installments-gateway/pkg/errors"
)

func TestVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"events":[{"id":"EV1"}]}`)
	sig := Sign(body, "secret")

	if err := Verify(body, sig, "secret"); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := Verify(body, " "+sig+"\n", "secret"); err != nil {
		t.Fatalf("expected surrounding whitespace to be ignored, got %v", err)
	}
}

func TestVerifyRejects(t *testing.T) {
	body := []byte(`{"events":[]}`)
	sig := Sign(body, "secret")

	cases := map[string]struct {
		body      []byte
		signature string
		secret    string
	}{
		"empty header":   {body: body, signature: "", secret: "secret"},
		"empty secret":   {body: body, signature: sig, secret: ""},
		"wrong secret":   {body: body, signature: sig, secret: "other"},
		"tampered body":  {body: []byte(`{"events":[{}]}`), signature: sig, secret: "secret"},
		"not hex at all": {body: body, signature: "nope", secret: "secret"},
		"uppercase hex":  {body: body, signature: strings.ToUpper(sig), secret: "secret"},
	}
	for name, tc := range cases {
		err := Verify(tc.body, tc.signature, tc.secret)
		if !pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid) {
			t.Fatalf("%s: expected SIGNATURE_INVALID, got %v", name, err)
		}
	}
}
