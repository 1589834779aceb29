package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"storyhouse/internal/servicetoken"
	"storyhouse/pkg/chain"
	"storyhouse/pkg/domain"
	"storyhouse/pkg/pricing"
	"storyhouse/pkg/store"
	"storyhouse/services/access/internal/app"
	"storyhouse/services/access/internal/catalogclient"
)

const (
	testUser   = "0xabcd00000000000000000000000000000000ef01"
	testAuthor = "0x1111111111111111111111111111111111111111"
	testTx     = "0x1234000000000000000000000000000000000000000000000000000000005678"
)

type fakeCatalog struct {
	books map[string]domain.Book
}

func (c *fakeCatalog) GetBook(_ context.Context, bookID string) (domain.Book, error) {
	book, ok := c.books[bookID]
	if !ok {
		return domain.Book{}, catalogclient.ErrNotFound
	}
	return book, nil
}

type fakeChain struct {
	verifyErr error
}

func (f *fakeChain) VerifyUnlockPayment(context.Context, string, string, *big.Int) error {
	return f.verifyErr
}

func (f *fakeChain) Attribution(context.Context, string, int) (chain.Attribution, error) {
	return chain.Attribution{}, nil
}

func testBook() domain.Book {
	chapters := map[string]string{}
	for n := 1; n <= 5; n++ {
		chapters[domain.ChapterKey(n)] = "books/x/" + domain.ChapterKey(n) + ".md"
	}
	return domain.Book{
		ID:            testAuthor + "/the-detective",
		AuthorAddress: testAuthor,
		Slug:          "the-detective",
		Title:         "The Detective",
		ChapterMap:    chapters,
	}
}

type serverOptions struct {
	chainClient *fakeChain
	unlockLimit int
}

func newTestServer(t *testing.T, opts serverOptions) (*httptest.Server, *servicetoken.Signer) {
	t.Helper()
	if opts.chainClient == nil {
		opts.chainClient = &fakeChain{}
	}
	book := testBook()
	appCore, err := app.New(app.Config{
		Catalog: &fakeCatalog{books: map[string]domain.Book{book.ID: book}},
		Store:   store.NewMemoryStore(),
		Chain:   opts.chainClient,
		Pricing: pricing.DefaultPolicy(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	mr := miniredis.RunT(t)
	privatePath, publicPath := writeRSAKeyPairFiles(t)
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		PrivateKeyPath: privatePath,
		KeyID:          "internal-active",
		Issuer:         "ops",
		TTL:            time.Minute,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	srv, err := New(Config{
		App:                      appCore,
		RedisAddr:                mr.Addr(),
		UnlockRateLimitPerMinute: opts.unlockLimit,
		InternalJWTKeyID:         "internal-active",
		InternalJWTPublicKeyPath: publicPath,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, signer
}

func chapterURL(base string, chapter int, action string) string {
	return base + "/books/" + testAuthor + "/the-detective/chapters/" + strconv.Itoa(chapter) + "/" + action
}

func postUnlock(t *testing.T, ts *httptest.Server, chapter int, body map[string]string) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(body)
	resp, err := http.Post(chapterURL(ts.URL, chapter, "unlock"), "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST unlock: %v", err)
	}
	return resp
}

func TestUnlockInfoForLockedChapter(t *testing.T) {
	ts, _ := newTestServer(t, serverOptions{})

	resp, err := http.Get(chapterURL(ts.URL, 4, "unlock") + "?user=" + testUser)
	if err != nil {
		t.Fatalf("GET unlock info: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var info struct {
		IsFree      bool   `json:"isFree"`
		UnlockPrice string `json:"unlockPrice"`
		CanAccess   bool   `json:"canAccess"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.IsFree || info.CanAccess || info.UnlockPrice != "0.5" {
		t.Fatalf("info = %+v", info)
	}
}

func TestUnlockFreeChapterEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, serverOptions{})

	resp := postUnlock(t, ts, 1, map[string]string{"userAddress": testUser})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var result struct {
		CanAccess       bool `json:"canAccess"`
		AlreadyUnlocked bool `json:"alreadyUnlocked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.CanAccess || result.AlreadyUnlocked {
		t.Fatalf("result = %+v", result)
	}

	// Replaying the unlock is a 200, not an error.
	resp = postUnlock(t, ts, 1, map[string]string{"userAddress": testUser})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", resp.StatusCode)
	}
}

func TestUnlockPaidChapterWithoutProof(t *testing.T) {
	ts, _ := newTestServer(t, serverOptions{})

	resp := postUnlock(t, ts, 4, map[string]string{"userAddress": testUser})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var errResp struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.Code != "UNLOCK_PAYMENT_PROOF_REQUIRED" {
		t.Fatalf("code = %q", errResp.Code)
	}
}

func TestUnlockPaidChapterInvalidTransaction(t *testing.T) {
	ts, _ := newTestServer(t, serverOptions{chainClient: &fakeChain{verifyErr: chain.ErrTxPending}})

	resp := postUnlock(t, ts, 4, map[string]string{"userAddress": testUser, "transactionHash": testTx})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var errResp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.Code != "UNLOCK_INVALID_TRANSACTION" {
		t.Fatalf("code = %q", errResp.Code)
	}
	if errResp.Error != "Invalid or unconfirmed transaction. Please ensure the transaction is confirmed." {
		t.Fatalf("error message = %q", errResp.Error)
	}
}

func TestUnlockPaidChapterHappyPath(t *testing.T) {
	ts, _ := newTestServer(t, serverOptions{})

	resp := postUnlock(t, ts, 4, map[string]string{"userAddress": testUser, "transactionHash": testTx})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var result struct {
		CanAccess      bool   `json:"canAccess"`
		LicenseTokenID string `json:"licenseTokenId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.CanAccess || result.LicenseTokenID == "" {
		t.Fatalf("result = %+v", result)
	}
}

func TestUnlockRateLimited(t *testing.T) {
	ts, _ := newTestServer(t, serverOptions{unlockLimit: 2})

	for i := 0; i < 2; i++ {
		resp := postUnlock(t, ts, 1, map[string]string{"userAddress": testUser})
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	resp := postUnlock(t, ts, 1, map[string]string{"userAddress": testUser})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestChapterNotFound(t *testing.T) {
	ts, _ := newTestServer(t, serverOptions{})

	resp, err := http.Get(chapterURL(ts.URL, 42, "unlock"))
	if err != nil {
		t.Fatalf("GET unlock info: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var errResp struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.Code != "CHAPTER_NOT_FOUND" {
		t.Fatalf("code = %q", errResp.Code)
	}
}

func TestReadingLicenseEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, serverOptions{})

	resp, err := http.Get(chapterURL(ts.URL, 4, "reading-license"))
	if err != nil {
		t.Fatalf("GET reading-license: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var terms struct {
		PriceTIP       string `json:"priceTip"`
		AuthorShareBps int64  `json:"authorShareBps"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&terms); err != nil {
		t.Fatalf("decode terms: %v", err)
	}
	if terms.PriceTIP != "0.5" || terms.AuthorShareBps == 0 {
		t.Fatalf("terms = %+v", terms)
	}
}

func TestInternalReconcileRequiresServiceToken(t *testing.T) {
	ts, signer := newTestServer(t, serverOptions{})

	resp, err := http.Post(ts.URL+"/internal/reconcile", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reconcile: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	token, err := signer.Sign("access")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/internal/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST reconcile with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
	var report struct {
		Checked int `json:"checked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
}

func writeRSAKeyPairFiles(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}
