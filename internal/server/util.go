package server

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxPageLimit = 100

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

type paginationParams struct {
	Offset int
	Limit  int
}

func parsePaginationParams(c *gin.Context) (paginationParams, error) {
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		return paginationParams{}, errors.New("offset must be a non-negative number")
	}
	limit, err := parseLimit(c, 10)
	if err != nil {
		return paginationParams{}, err
	}
	return paginationParams{Offset: offset, Limit: limit}, nil
}

// parseLimit reads ?limit, defaulting to def and capped at maxPageLimit.
func parseLimit(c *gin.Context, def int) (int, error) {
	s := c.Query("limit")
	if s == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(s)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive number")
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit, nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
