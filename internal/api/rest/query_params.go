package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/feral-file/recycling-ledger/internal/api/shared/constants"
)

// ListRecordsQueryParams holds query parameters for GET /ledger/records
type ListRecordsQueryParams struct {
	CollectionID string `form:"collection_id"`
	Limit        int    `form:"limit,default=50"`
}

// LeaderboardQueryParams holds query parameters for GET /points/leaderboard
type LeaderboardQueryParams struct {
	Limit int `form:"limit,default=10"`
}

// UserPointsQueryParams holds query parameters for GET /users/:id/points
type UserPointsQueryParams struct {
	TransactionsLimit int `form:"transactions.limit,default=20"`
}

// ParseListRecordsQuery parses query parameters for GET /ledger/records
func ParseListRecordsQuery(c *gin.Context) (*ListRecordsQueryParams, error) {
	var params ListRecordsQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}
	params.Limit = capLimit(params.Limit)
	return &params, nil
}

// ParseLeaderboardQuery parses query parameters for GET /points/leaderboard
func ParseLeaderboardQuery(c *gin.Context) (*LeaderboardQueryParams, error) {
	var params LeaderboardQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}
	params.Limit = capLimit(params.Limit)
	return &params, nil
}

// ParseUserPointsQuery parses query parameters for GET /users/:id/points
func ParseUserPointsQuery(c *gin.Context) (*UserPointsQueryParams, error) {
	var params UserPointsQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}
	params.TransactionsLimit = capLimit(params.TransactionsLimit)
	return &params, nil
}

// capLimit caps limits at MAX_PAGE_SIZE; non-positive limits select the executor defaults
func capLimit(limit int) int {
	if limit > constants.MAX_PAGE_SIZE {
		return constants.MAX_PAGE_SIZE
	}
	return limit
}
