package validator

import (
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCreatePost(t *testing.T) {
	tests := []struct {
		name   string
		req    ingestion.CreatePostRequest
		fields []string
	}{
		{"valid", ingestion.CreatePostRequest{Content: "hello", ImageURLs: []string{"https://cdn/x.png"}}, nil},
		{"blank content", ingestion.CreatePostRequest{Content: "   "}, []string{"content"}},
		{"content too long", ingestion.CreatePostRequest{Content: strings.Repeat("a", 10001)}, []string{"content"}},
		{"too many images", ingestion.CreatePostRequest{Content: "x", ImageURLs: make([]string, 11)}, []string{"imageUrls"}},
		{"empty image url", ingestion.CreatePostRequest{Content: "x", ImageURLs: []string{""}}, []string{"imageUrls"}},
		{"long video url", ingestion.CreatePostRequest{Content: "", VideoURL: strings.Repeat("v", 3000)}, []string{"content", "videoUrl"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCreatePost(&tt.req)
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
			assert.Len(t, ve.Fields, len(tt.fields))
			for _, f := range tt.fields {
				assert.Contains(t, ve.Fields, f)
			}
		})
	}
}

func TestValidatePostID(t *testing.T) {
	assert.NoError(t, ValidatePostID("665f1c2e9b1d4a0012345678"))
	assert.Error(t, ValidatePostID(" "))
	assert.Error(t, ValidatePostID(strings.Repeat("p", 129)))
}

func TestValidationErrorIsStable(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"b": "two", "a": "one"}}
	assert.Equal(t, "a:one; b:two", err.Error())
}
