package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creatorledger/internal/account"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
)

func parseSnowflakeID(value string) (snowflake.ID, bool) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return 0, false
	}
	return parsed, true
}

// pathID reads a snowflake route param, aborting with a validation error
// named after the param when it does not parse.
func pathID(c *gin.Context, param string) (snowflake.ID, bool) {
	id, ok := parseSnowflakeID(c.Param(param))
	if !ok {
		AbortWithError(c, newValidationError(param, "invalid_"+param, "invalid "+param))
		return 0, false
	}
	return id, true
}

func pathAccount(c *gin.Context) (account.Ref, bool) {
	ref, err := account.Parse(c.Param("kind"), c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("account", "invalid_account", "invalid account"))
		return account.Ref{}, false
	}
	return ref, true
}

func bindPage(c *gin.Context) (pagination.Pagination, bool) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return pagination.Pagination{}, false
	}
	return page, true
}

type listResponse[T any] struct {
	Data     []T                 `json:"data"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

func newListResponse[T any](items []T, info pagination.PageInfo) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Data: items, PageInfo: info}
}
