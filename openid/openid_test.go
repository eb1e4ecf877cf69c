package openid

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/granttype"
	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/jwks"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/repository"
	"github.com/giantswarm/oidc-engine/storage/memory"
)

const testIssuer = "https://id.example.com"

var testNow = time.Date(2026, 3, 12, 14, 0, 0, 0, time.UTC)

func newFactory() *IDTokenBuilderFactory {
	return &IDTokenBuilderFactory{
		Issuer:                      testIssuer,
		Lifetime:                    time.Hour,
		SignatureKeys:               testutil.PrivateKeySet(testutil.RSASigningKey()),
		DefaultSignatureAlgorithm:   "RS256",
		SignatureAlgorithms:         []string{"RS256", "HS256", AlgorithmNone},
		KeyEncryptionAlgorithms:     []string{"RSA-OAEP-256", "A128KW"},
		ContentEncryptionAlgorithms: []string{"A128CBC-HS256", "A256GCM"},
		Now:                         func() time.Time { return testNow },
	}
}

func newLoader() *IDTokenLoader {
	return &IDTokenLoader{
		SignatureKeys:       testutil.PublicKeySet(testutil.RSASigningKey()),
		SignatureAlgorithms: []string{"RS256"},
	}
}

func newUser() *model.StaticUserAccount {
	return &model.StaticUserAccount{
		AccountID: "USER_1",
		LastLogin: testNow.Add(-10 * time.Minute),
		UserClaims: map[string]any{
			"name":           "Jane Doe",
			"email":          "jane@example.com",
			"email_verified": true,
			"phone_number":   "+33 1 23 45 67 89",
		},
	}
}

// payload decodes the claims of a compact JWS without verifying it.
func payload(t *testing.T, token string) map[string]any {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(raw, &claims))
	return claims
}

func TestTokenHash(t *testing.T) {
	h256, err := TokenHash("jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y", "RS256")
	require.NoError(t, err)
	assert.Len(t, h256, 22)

	h384, err := TokenHash("x", "ES384")
	require.NoError(t, err)
	assert.Len(t, h384, 32)

	h512, err := TokenHash("x", "HS512")
	require.NoError(t, err)
	assert.Len(t, h512, 43)

	_, err = TokenHash("x", "EdDSA")
	assert.Error(t, err)
}

func TestParseClaimsRequest(t *testing.T) {
	claims, err := ParseClaimsRequest(`{"id_token":{"email":{"essential":true},"auth_time":null},"userinfo":{"name":null}}`)
	require.NoError(t, err)
	assert.Contains(t, claims, "email")
	assert.Contains(t, claims, "auth_time")
	assert.NotContains(t, claims, "name")

	claims, err = ParseClaimsRequest("")
	require.NoError(t, err)
	assert.Nil(t, claims)

	_, err = ParseClaimsRequest("{")
	assert.Error(t, err)
}

func TestIDTokenBuilder_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewClient(t, "CLIENT_1")
	b, err := newFactory().CreateBuilder(client, newUser())
	require.NoError(t, err)

	token, err := b.WithScope("openid email").
		WithAccessTokenID("AT_1").
		WithAuthorizationCodeID("AUTH_CODE_1").
		WithNonce("n-0S6_WzA2Mj").
		Build(ctx)
	require.NoError(t, err)

	claims, ok := newLoader().Load(token)
	require.True(t, ok)

	atHash, _ := TokenHash("AT_1", "RS256")
	cHash, _ := TokenHash("AUTH_CODE_1", "RS256")
	assert.Equal(t, "USER_1", claims["sub"])
	assert.Equal(t, testIssuer, claims["iss"])
	assert.Equal(t, []any{"CLIENT_1", testIssuer}, claims["aud"])
	assert.Equal(t, "CLIENT_1", claims["azp"])
	assert.Equal(t, "n-0S6_WzA2Mj", claims["nonce"])
	assert.Equal(t, atHash, claims["at_hash"])
	assert.Equal(t, cHash, claims["c_hash"])
	assert.Equal(t, float64(testNow.Unix()), claims["iat"])
	assert.Equal(t, float64(testNow.Add(time.Hour).Unix()), claims["exp"])
	assert.NotEmpty(t, claims["jti"])

	assert.Equal(t, "jane@example.com", claims["email"])
	assert.Equal(t, true, claims["email_verified"])
	assert.NotContains(t, claims, "name", "profile scope was not granted")
	assert.NotContains(t, claims, "phone_number")
	assert.NotContains(t, claims, "auth_time")
}

func TestIDTokenBuilder_RequestedClaims(t *testing.T) {
	client := testutil.NewClient(t, "CLIENT_1")
	b, err := newFactory().CreateBuilder(client, newUser())
	require.NoError(t, err)

	token, err := b.WithScope("openid").
		WithRequestedClaims(map[string]any{"name": nil, "auth_time": map[string]any{"essential": true}}).
		Build(context.Background())
	require.NoError(t, err)

	claims := payload(t, token)
	assert.Equal(t, "Jane Doe", claims["name"])
	assert.Equal(t, float64(testNow.Add(-10*time.Minute).Unix()), claims["auth_time"])
	assert.NotContains(t, claims, "email")
}

func TestIDTokenBuilder_RequireAuthTime(t *testing.T) {
	client := testutil.NewClient(t, "CLIENT_1", testutil.WithParameter(protocol.ClientParamRequireAuthTime, true))
	b, err := newFactory().CreateBuilder(client, newUser())
	require.NoError(t, err)

	token, err := b.WithScope("openid").Build(context.Background())
	require.NoError(t, err)
	assert.Contains(t, payload(t, token), "auth_time")
}

func TestIDTokenBuilder_ScopeRequired(t *testing.T) {
	b, err := newFactory().CreateBuilder(testutil.NewClient(t, "CLIENT_1"), newUser())
	require.NoError(t, err)

	_, err = b.Build(context.Background())
	assert.ErrorIs(t, err, ErrScopeNotSet)
}

func TestIDTokenBuilder_Algorithms(t *testing.T) {
	t.Run("unsupported algorithm", func(t *testing.T) {
		client := testutil.NewClient(t, "CLIENT_1", testutil.WithParameter(protocol.ClientParamIDTokenSignedAlg, "PS512"))
		_, err := newFactory().CreateBuilder(client, newUser())
		assert.Error(t, err)
	})

	t.Run("HS256 signs with the client secret", func(t *testing.T) {
		client := testutil.NewClient(t, "CLIENT_1",
			testutil.WithSecret("client_secret_basic", "s3cr3t-s3cr3t-s3cr3t-s3cr3t-s3cr3t"),
			testutil.WithParameter(protocol.ClientParamIDTokenSignedAlg, "HS256"))
		b, err := newFactory().CreateBuilder(client, newUser())
		require.NoError(t, err)

		token, err := b.WithScope("openid").Build(context.Background())
		require.NoError(t, err)

		jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
		require.NoError(t, err)
		_, err = jws.Verify([]byte("s3cr3t-s3cr3t-s3cr3t-s3cr3t-s3cr3t"))
		assert.NoError(t, err)
	})

	t.Run("HS256 without a secret", func(t *testing.T) {
		client := testutil.NewClient(t, "CLIENT_1", testutil.WithParameter(protocol.ClientParamIDTokenSignedAlg, "HS256"))
		_, err := newFactory().CreateBuilder(client, newUser())
		assert.Error(t, err)
	})

	t.Run("none skips the token hashes", func(t *testing.T) {
		client := testutil.NewClient(t, "CLIENT_1", testutil.WithParameter(protocol.ClientParamIDTokenSignedAlg, AlgorithmNone))
		b, err := newFactory().CreateBuilder(client, newUser())
		require.NoError(t, err)

		token, err := b.WithScope("openid").WithAccessTokenID("AT_1").Build(context.Background())
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(token, "."))

		claims := payload(t, token)
		assert.Equal(t, "USER_1", claims["sub"])
		assert.NotContains(t, claims, "at_hash")

		_, ok := newLoader().Load(token)
		assert.False(t, ok, "unsecured tokens never load")
	})

	t.Run("no algorithm yields plain JSON", func(t *testing.T) {
		f := newFactory()
		f.DefaultSignatureAlgorithm = ""
		b, err := f.CreateBuilder(testutil.NewClient(t, "CLIENT_1"), newUser())
		require.NoError(t, err)

		token, err := b.WithScope("openid").Build(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"sub":"USER_1"}`, token)
	})
}

func TestIDTokenBuilder_Encryption(t *testing.T) {
	ctx := context.Background()

	t.Run("client public key", func(t *testing.T) {
		encKey := testutil.RSAEncryptionKey()
		set, err := json.Marshal(testutil.PublicKeySet(encKey))
		require.NoError(t, err)

		client := testutil.NewClient(t, "CLIENT_1",
			testutil.WithParameter(protocol.ClientParamJWKS, string(set)),
			testutil.WithParameter(protocol.ClientParamIDTokenEncryptedAlg, "RSA-OAEP-256"),
			testutil.WithParameter(protocol.ClientParamIDTokenEncryptedEnc, "A256GCM"))
		b, err := newFactory().CreateBuilder(client, newUser())
		require.NoError(t, err)

		token, err := b.WithScope("openid").Build(ctx)
		require.NoError(t, err)
		assert.Len(t, strings.Split(token, "."), 5)

		jwe, err := jose.ParseEncrypted(token, []jose.KeyAlgorithm{jose.RSA_OAEP_256}, []jose.ContentEncryption{jose.A256GCM})
		require.NoError(t, err)
		assert.EqualValues(t, "JWT", jwe.Header.ExtraHeaders[jose.HeaderContentType])
		inner, err := jwe.Decrypt(encKey.Key)
		require.NoError(t, err)

		claims, ok := newLoader().Load(string(inner))
		require.True(t, ok)
		assert.Equal(t, "USER_1", claims["sub"])
	})

	t.Run("client secret", func(t *testing.T) {
		secret := "another-s3cr3t-another-s3cr3t"
		client := testutil.NewClient(t, "CLIENT_1",
			testutil.WithSecret("client_secret_post", secret),
			testutil.WithParameter(protocol.ClientParamIDTokenEncryptedAlg, "A128KW"))
		b, err := newFactory().CreateBuilder(client, newUser())
		require.NoError(t, err)

		token, err := b.WithScope("openid").Build(ctx)
		require.NoError(t, err)

		jwe, err := jose.ParseEncrypted(token, []jose.KeyAlgorithm{jose.A128KW}, []jose.ContentEncryption{jose.A128CBC_HS256})
		require.NoError(t, err)
		key, err := jwks.DeriveSymmetricKey(secret, "A128KW")
		require.NoError(t, err)
		inner, err := jwe.Decrypt(key)
		require.NoError(t, err)
		_, ok := newLoader().Load(string(inner))
		assert.True(t, ok)
	})

	t.Run("unsupported content encryption", func(t *testing.T) {
		client := testutil.NewClient(t, "CLIENT_1",
			testutil.WithSecret("client_secret_post", "x"),
			testutil.WithParameter(protocol.ClientParamIDTokenEncryptedAlg, "A128KW"),
			testutil.WithParameter(protocol.ClientParamIDTokenEncryptedEnc, "A192GCM"))
		_, err := newFactory().CreateBuilder(client, newUser())
		assert.Error(t, err)
	})
}

func TestIDTokenLoader_Rejects(t *testing.T) {
	b, err := newFactory().CreateBuilder(testutil.NewClient(t, "CLIENT_1"), newUser())
	require.NoError(t, err)
	token, err := b.WithScope("openid").Build(context.Background())
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"USER_2"}`)) + "." + parts[2]
	_, ok := newLoader().Load(tampered)
	assert.False(t, ok)

	other := &IDTokenLoader{
		SignatureKeys:       testutil.PublicKeySet(testutil.ECSigningKey()),
		SignatureAlgorithms: []string{"RS256", "ES256"},
	}
	_, ok = other.Load(token)
	assert.False(t, ok, "unknown key")

	array := testutil.SignJWT(t, testutil.RSASigningKey(), jose.RS256, []string{"not", "an", "object"})
	_, ok = newLoader().Load(array)
	assert.False(t, ok)

	_, ok = newLoader().Load("garbage")
	assert.False(t, ok)
}

func TestExtension_Process(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(store.Stop)
	repos := repository.NewRepositories(store, store, repository.Options{Now: func() time.Time { return testNow }})

	users := model.NewMemoryUserAccountRepository()
	require.NoError(t, users.Add(newUser(), "", ""))
	ext := NewExtension(newFactory(), users, nil)
	client := testutil.NewClient(t, "CLIENT_1")

	accessToken := func(scope string) *domain.AccessToken {
		params := model.DataBag{}
		params.Set(protocol.ParamScope, scope)
		at, err := repos.AccessTokens.Create(domain.TokenParams{
			ClientID:        "CLIENT_1",
			ResourceOwnerID: "USER_1",
			ExpiresAt:       testNow.Add(time.Hour),
			Parameters:      params,
		}, "")
		require.NoError(t, err)
		return at
	}
	codeData := func() *granttype.Data {
		data := granttype.NewData(client)
		data.ResourceOwnerID = "USER_1"
		data.UserAccountID = "USER_1"
		data.Metadata.Set(domain.MetadataNonce, "abc")
		return data
	}

	t.Run("openid scope", func(t *testing.T) {
		at := accessToken("openid profile")
		response := map[string]any{}
		require.NoError(t, ext.Process(ctx, codeData(), at, response))

		claims, ok := newLoader().Load(response["id_token"].(string))
		require.True(t, ok)
		atHash, _ := TokenHash(at.ID().String(), "RS256")
		assert.Equal(t, atHash, claims["at_hash"])
		assert.Equal(t, "abc", claims["nonce"])
		assert.Equal(t, "Jane Doe", claims["name"])
	})

	t.Run("refresh omits the nonce", func(t *testing.T) {
		data := codeData()
		rt, err := repos.RefreshTokens.Create(domain.TokenParams{ClientID: "CLIENT_1", ResourceOwnerID: "USER_1"})
		require.NoError(t, err)
		data.RefreshToken = rt

		response := map[string]any{}
		require.NoError(t, ext.Process(ctx, data, accessToken("openid"), response))
		assert.NotContains(t, payload(t, response["id_token"].(string)), "nonce")
	})

	t.Run("without openid", func(t *testing.T) {
		response := map[string]any{}
		require.NoError(t, ext.Process(ctx, codeData(), accessToken("profile"), response))
		assert.NotContains(t, response, "id_token")
	})

	t.Run("client owned token", func(t *testing.T) {
		data := granttype.NewData(client)
		data.ResourceOwnerID = "CLIENT_1"
		response := map[string]any{}
		require.NoError(t, ext.Process(ctx, data, accessToken("openid"), response))
		assert.NotContains(t, response, "id_token")
	})

	t.Run("unknown user", func(t *testing.T) {
		data := codeData()
		data.UserAccountID = "USER_404"
		err := ext.Process(ctx, data, accessToken("openid"), map[string]any{})
		assert.True(t, protocol.IsCode(err, protocol.ErrorCodeServerError))
	})
}
