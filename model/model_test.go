package model

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestDataBag_ZeroValue(t *testing.T) {
	var b DataBag
	assert.Equal(t, 0, b.Len())
	_, ok := b.Get("scope")
	assert.False(t, ok)

	b.Set("scope", "openid")
	s, ok := b.GetString("scope")
	assert.True(t, ok)
	assert.Equal(t, "openid", s)
}

func TestDataBag_Order(t *testing.T) {
	b := NewDataBag(map[string]any{"c": 3, "a": 1, "b": 2})
	assert.Equal(t, []string{"a", "b", "c"}, b.Keys())

	b.Set("a", 10)
	b.Set("0", 0)
	assert.Equal(t, []string{"a", "b", "c", "0"}, b.Keys(), "existing keys keep their position")

	b.Delete("b")
	b.Delete("missing")
	assert.Equal(t, []string{"a", "c", "0"}, b.Keys())

	raw, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, `{"a":10,"c":3,"0":0}`, string(raw))
}

func TestDataBag_JSONRoundTrip(t *testing.T) {
	var b DataBag
	require.NoError(t, json.Unmarshal([]byte(`{"z":"last","grant_types":["authorization_code"],"exp":1700000000,"public":true}`), &b))

	assert.Equal(t, []string{"z", "grant_types", "exp", "public"}, b.Keys())
	types, ok := b.GetStringSlice("grant_types")
	assert.True(t, ok)
	assert.Equal(t, []string{"authorization_code"}, types)
	exp, ok := b.GetInt64("exp")
	assert.True(t, ok)
	assert.Equal(t, int64(1700000000), exp)
	public, ok := b.GetBool("public")
	assert.True(t, ok)
	assert.True(t, public)

	assert.Error(t, json.Unmarshal([]byte(`["not","an","object"]`), &b))
}

func TestDataBag_TypedGetters(t *testing.T) {
	b := NewDataBag(map[string]any{
		"mixed": []any{"a", 1},
		"int":   7,
		"str":   "x",
	})

	_, ok := b.GetStringSlice("mixed")
	assert.False(t, ok)
	_, ok = b.GetString("int")
	assert.False(t, ok)
	_, ok = b.GetInt64("str")
	assert.False(t, ok)
	_, ok = b.GetBool("str")
	assert.False(t, ok)
}

func TestDataBag_CloneAndMerge(t *testing.T) {
	a := NewDataBag(map[string]any{"scope": "read"})
	c := a.Clone()
	c.Set("scope", "write")
	c.Set("extra", true)

	s, _ := a.GetString("scope")
	assert.Equal(t, "read", s, "clones are independent")
	assert.False(t, a.Has("extra"))

	a.Merge(c)
	assert.Equal(t, map[string]any{"scope": "write", "extra": true}, a.All())
}

func TestMemoryUserAccountRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserAccountRepository()
	repo.SetBcryptCost(bcrypt.MinCost)

	login := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, repo.Add(&StaticUserAccount{AccountID: "USER_1", LastLogin: login}, "jane", "correct horse"))
	require.NoError(t, repo.Add(&StaticUserAccount{AccountID: "USER_2"}, "", ""))
	assert.Error(t, repo.Add(&StaticUserAccount{}, "bob", "pw"))

	account, err := repo.Find(ctx, "USER_1")
	require.NoError(t, err)
	last, ok := account.LastLoginAt()
	assert.True(t, ok)
	assert.Equal(t, login, last)

	account, err = repo.Find(ctx, "USER_2")
	require.NoError(t, err)
	_, ok = account.LastLoginAt()
	assert.False(t, ok)

	_, err = repo.Find(ctx, "USER_404")
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := repo.FindUserAccountWithPasswordCredentials(ctx, "jane", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, UserAccountID("USER_1"), id)

	_, err = repo.FindUserAccountWithPasswordCredentials(ctx, "jane", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = repo.FindUserAccountWithPasswordCredentials(ctx, "nobody", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestStaticUserAccount_ClaimsAreCopied(t *testing.T) {
	account := &StaticUserAccount{AccountID: "USER_1", UserClaims: map[string]any{"email": "jane@example.com"}}
	claims := account.Claims()
	claims["email"] = "mallory@example.com"
	assert.Equal(t, "jane@example.com", account.Claims()["email"])
}

func TestMemoryResourceServerRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryResourceServerRepository(&StaticResourceServer{ServerID: "api", ServerSecret: "s"})

	rs, err := repo.Find(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "s", rs.Secret())

	repo.Save(&StaticResourceServer{ServerID: "api", ServerSecret: "rotated"})
	rs, err = repo.Find(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "rotated", rs.Secret())

	_, err = repo.Find(ctx, "billing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientID_ResourceOwnerID(t *testing.T) {
	assert.Equal(t, ResourceOwnerID("CLIENT_1"), ClientID("CLIENT_1").ResourceOwnerID())
}
