package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"
)

const testBotToken = "12345:test-token"

func signInitData(t *testing.T, values url.Values) string {
	t.Helper()
	pairs := make([]string, 0, len(values))
	for key := range values {
		pairs = append(pairs, key+"="+values.Get(key))
	}
	sort.Strings(pairs)

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(testBotToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))

	signed := url.Values{}
	for key := range values {
		signed.Set(key, values.Get(key))
	}
	signed.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return signed.Encode()
}

func TestValidateInitData(t *testing.T) {
	values := url.Values{}
	values.Set("user", `{"id":42,"first_name":"Иван","username":"ivan"}`)
	values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	values.Set("query_id", "AAE3Xw")

	user, err := ValidateInitData(signInitData(t, values), testBotToken, 24*time.Hour)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if user.ID != 42 {
		t.Fatalf("ожидали id 42, получили %d", user.ID)
	}
	if user.Username != "ivan" {
		t.Fatalf("ожидали username ivan, получили %q", user.Username)
	}
}

func TestValidateInitDataRejectsTampered(t *testing.T) {
	values := url.Values{}
	values.Set("user", `{"id":42,"first_name":"Иван"}`)
	values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))

	signed := signInitData(t, values)
	tampered := strings.Replace(signed, "42", "43", 1)
	if _, err := ValidateInitData(tampered, testBotToken, 24*time.Hour); err == nil {
		t.Fatal("ожидали ошибку для подменённых данных")
	}
}

func TestValidateInitDataRejectsExpired(t *testing.T) {
	values := url.Values{}
	values.Set("user", `{"id":42,"first_name":"Иван"}`)
	values.Set("auth_date", strconv.FormatInt(time.Now().Add(-48*time.Hour).Unix(), 10))

	if _, err := ValidateInitData(signInitData(t, values), testBotToken, 24*time.Hour); err == nil {
		t.Fatal("ожидали ошибку для устаревшей initData")
	}
}

func TestValidateInitDataRequiresUser(t *testing.T) {
	values := url.Values{}
	values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))

	if _, err := ValidateInitData(signInitData(t, values), testBotToken, 24*time.Hour); err == nil {
		t.Fatal("ожидали ошибку без поля user")
	}
}
