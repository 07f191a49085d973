package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskDestination(t *testing.T) {
	cases := map[string]string{
		"":                       "",
		"   ":                    "",
		"acct_1Nv0FGQ9RKHgCVdK":  "acct_****CVdK",
		"GB29NWBK60161331926819": "****6819",
		"acct_12":                "acct_****",
		"msisdn_254712345678":    "msisdn_****5678",
		"trailing_":              "****ing_",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskDestination(in), in)
	}
}
