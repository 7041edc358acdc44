package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// fakeDecrypter reverses the ciphertext so the test can check the wiring
// without a KMS endpoint.
type fakeDecrypter struct {
	err error
}

func (f fakeDecrypter) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]byte, len(ciphertext))
	for i, b := range ciphertext {
		out[len(ciphertext)-1-i] = b
	}
	return out, nil
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	if err != nil || tok != "abc" {
		t.Fatalf("got %q, %v", tok, err)
	}
}

func TestSealedToken_RoundTrip(t *testing.T) {
	ct := base64.StdEncoding.EncodeToString([]byte("nekot-terces"))

	st, err := NewSealedToken(context.Background(), fakeDecrypter{}, ct, 0)
	if err != nil {
		t.Fatalf("NewSealedToken: %v", err)
	}

	for i := 0; i < 2; i++ {
		tok, err := st.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok != "secret-token" {
			t.Fatalf("got %q, want secret-token", tok)
		}
	}

	st.Destroy()
	if _, err := st.Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken after destroy, got %v", err)
	}
}

func TestSealedToken_Expiry(t *testing.T) {
	ct := base64.StdEncoding.EncodeToString([]byte("kot"))

	st, err := NewSealedToken(context.Background(), fakeDecrypter{}, ct, time.Minute)
	if err != nil {
		t.Fatalf("NewSealedToken: %v", err)
	}
	st.nowFunc = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, err := st.Token(context.Background()); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestSealedToken_Errors(t *testing.T) {
	if _, err := NewSealedToken(context.Background(), fakeDecrypter{}, "%%%", 0); err == nil {
		t.Fatal("expected base64 error")
	}

	boom := errors.New("access denied")
	ct := base64.StdEncoding.EncodeToString([]byte("x"))
	if _, err := NewSealedToken(context.Background(), fakeDecrypter{err: boom}, ct, 0); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped decrypt error, got %v", err)
	}

	if _, err := NewSealedToken(context.Background(), fakeDecrypter{}, "", 0); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken for empty plaintext, got %v", err)
	}
}

type fakeKMS struct {
	got *kms.DecryptInput
	out []byte
	err error
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	return &kms.DecryptOutput{Plaintext: f.out}, nil
}

func TestKMSDecrypter_PassesKeyAndContext(t *testing.T) {
	api := &fakeKMS{out: []byte("tok-123")}
	d := newKMSDecrypter(api, KMSConfig{
		KeyID:             "alias/bookstream",
		EncryptionContext: map[string]string{"purpose": "stream-token"},
	})

	pt, err := d.Decrypt(context.Background(), []byte("blob"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "tok-123" {
		t.Fatalf("plaintext = %q", pt)
	}
	if api.got.KeyId == nil || *api.got.KeyId != "alias/bookstream" {
		t.Fatalf("key id not passed: %+v", api.got)
	}
	if api.got.EncryptionContext["purpose"] != "stream-token" {
		t.Fatalf("encryption context not passed: %+v", api.got.EncryptionContext)
	}
}

func TestKMSDecrypter_Errors(t *testing.T) {
	d := newKMSDecrypter(&fakeKMS{err: errors.New("AccessDenied")}, KMSConfig{})
	if _, err := d.Decrypt(context.Background(), []byte("blob")); err == nil {
		t.Fatal("expected error from KMS failure")
	}

	d = newKMSDecrypter(&fakeKMS{}, KMSConfig{})
	if _, err := d.Decrypt(context.Background(), []byte("blob")); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken for empty plaintext, got %v", err)
	}
}
