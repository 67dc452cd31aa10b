// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package token

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCursor(t *testing.T) {
	t.Parallel()

	cursor, err := ParseCursor("1614985055_4234")
	require.NoError(t, err)
	assert.Equal(t, int64(1614985055), cursor.Time.Unix())
	assert.Equal(t, int64(4234), cursor.ID)
	assert.False(t, cursor.Previous)
	assert.Equal(t, "1614985055_4234", cursor.String())

	prev, err := ParseCursor("p1614985055_4234")
	require.NoError(t, err)
	assert.True(t, prev.Previous)
	assert.Equal(t, "p1614985055_4234", prev.String())
	assert.Equal(t, cursor, prev.Invert())

	for _, bad := range []string{"", "4234", "x_y", "1614985055_", "_4234", "16_14_98"} {
		_, err := ParseCursor(bad)
		assert.Error(t, err, "cursor %q", bad)
	}
}

func TestLinkHeader(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("https://example.com/auth/api/v1/history/token-changes?limit=10&cursor=200_2")
	require.NoError(t, err)

	now := time.Unix(1614985055, 0).UTC()
	page := &PaginatedHistory{
		Count:      42,
		PrevCursor: &HistoryCursor{Time: now, ID: 7, Previous: true},
		NextCursor: &HistoryCursor{Time: now, ID: 3},
	}
	header := page.LinkHeader(u)
	assert.Contains(t, header, `<https://example.com/auth/api/v1/history/token-changes?limit=10>; rel="first"`)
	assert.Contains(t, header, `cursor=p1614985055_7>; rel="prev"`)
	assert.Contains(t, header, `cursor=1614985055_3>; rel="next"`)

	onlyFirst := &PaginatedHistory{Count: 1}
	assert.NotContains(t, onlyFirst.LinkHeader(u), "next")
}
