package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	cases := []struct {
		err         error
		unavailable bool
	}{
		{driver.ErrBadConn, true},
		{fmt.Errorf("ping: %w", context.DeadlineExceeded), true},
		{&pq.Error{Code: "57P01"}, true},
		{&pq.Error{Code: "08006"}, true},
		{&pq.Error{Code: "23505"}, false},
		{errors.New("syntax"), false},
	}
	for _, tc := range cases {
		err := classify(tc.err)
		assert.ErrorIs(t, err, tc.err)
		assert.Equal(t, tc.unavailable, errors.Is(err, apperrors.ErrStoreUnavailable), tc.err.Error())
	}

	once := classify(driver.ErrBadConn)
	assert.Same(t, once, classify(once))
}
