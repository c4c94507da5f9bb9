package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/canonical"
)

func TestCanonicalize_SortsKeys(t *testing.T) {
	out, err := canonical.Canonicalize(map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mid":   map[string]interface{}{"b": true, "a": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":{"a":null,"b":true},"zebra":1}`, string(out))
}

func TestCanonicalize_PreservesArrayOrder(t *testing.T) {
	out, err := canonical.Canonicalize([]interface{}{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, `[3,1,2]`, string(out))
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	out, err := canonical.Canonicalize(map[string]string{"k": "<a>&</a>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a>&</a>"}`, string(out))
}

func TestTransform_MinimalDecimal(t *testing.T) {
	cases := map[string]string{
		`{"n":1.50}`:   `{"n":1.5}`,
		`{"n":10}`:     `{"n":10}`,
		`{"n":0.5}`:    `{"n":0.5}`,
		`{"n":1e2}`:    `{"n":100}`,
		`{"n":-0.25}`:  `{"n":-0.25}`,
		`{"n":2.0}`:    `{"n":2}`,
		`{"n":123456}`: `{"n":123456}`,
	}
	for in, want := range cases {
		out, err := canonical.Transform([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, string(out), in)
	}
}

func TestTransform_Idempotent(t *testing.T) {
	raw := []byte(`{"b":[1,2,{"z":null,"a":"x"}],"a":1.250,"s":"<&>"}`)
	once, err := canonical.Transform(raw)
	require.NoError(t, err)
	twice, err := canonical.Transform(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := canonical.Hash(map[string]interface{}{"a": 1, "b": "x"})
	require.NoError(t, err)
	h2, err := canonical.Hash(map[string]interface{}{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCanonicalize_StructTagsRespected(t *testing.T) {
	type payload struct {
		ManifestID string `json:"manifestId"`
		Version    string `json:"version,omitempty"`
	}
	out, err := canonical.Canonicalize(payload{ManifestID: "m-1"})
	require.NoError(t, err)
	assert.Equal(t, `{"manifestId":"m-1"}`, string(out))
}

// genPayload builds arbitrary JSON objects with nested maps, arrays,
// strings, numbers, bools, and nulls up to a small depth.
func genPayload(depth int) gopter.Gen {
	return func(params *gopter.GenParameters) *gopter.GenResult {
		return gopter.NewGenResult(randomObject(params, depth), gopter.NoShrinker)
	}
}

func randomObject(params *gopter.GenParameters, depth int) map[string]interface{} {
	n := params.Rng.Intn(4)
	m := make(map[string]interface{}, n)
	for i := 0; i < n; i++ {
		m[randomString(params)] = randomValue(params, depth-1)
	}
	return m
}

func randomValue(params *gopter.GenParameters, depth int) interface{} {
	limit := 4
	if depth > 0 {
		limit = 6
	}
	switch params.Rng.Intn(limit) {
	case 0:
		return randomString(params)
	case 1:
		return params.Rng.Int63() - params.Rng.Int63()
	case 2:
		return params.Rng.Intn(2) == 0
	case 3:
		return nil
	case 4:
		return randomObject(params, depth)
	default:
		n := params.Rng.Intn(4)
		s := make([]interface{}, n)
		for i := range s {
			s[i] = randomValue(params, depth-1)
		}
		return s
	}
}

func randomString(params *gopter.GenParameters) string {
	v, ok := gen.AlphaString()(params).Retrieve()
	if !ok {
		return ""
	}
	return v.(string)
}

func TestCanonicalize_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("deterministic", prop.ForAll(
		func(v map[string]interface{}) bool {
			a, err1 := canonical.Canonicalize(v)
			b, err2 := canonical.Canonicalize(v)
			return err1 == nil && err2 == nil && string(a) == string(b)
		},
		genPayload(3),
	))

	properties.Property("transform is a fixpoint", prop.ForAll(
		func(v map[string]interface{}) bool {
			a, err := canonical.Canonicalize(v)
			if err != nil {
				return false
			}
			b, err := canonical.Transform(a)
			return err == nil && string(a) == string(b)
		},
		genPayload(3),
	))

	properties.Property("output is valid JSON", prop.ForAll(
		func(v map[string]interface{}) bool {
			a, err := canonical.Canonicalize(v)
			if err != nil {
				return false
			}
			var round interface{}
			return json.Unmarshal(a, &round) == nil
		},
		genPayload(3),
	))

	properties.TestingRun(t)
}
