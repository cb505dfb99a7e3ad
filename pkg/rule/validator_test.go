package rule_test

import (
	"testing"

	"github.com/gin-gonic/gin/binding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/rule"
)

type trackRequest struct {
	Path  string `rule:"required,relpath"`
	Limit int    `rule:"min=0,max=1000"`
}

func TestEngine(t *testing.T) {
	require.NotNil(t, rule.Engine())
}

func TestValidateStruct(t *testing.T) {
	require.NoError(t, rule.ValidateStruct(trackRequest{Path: "docs/a.md", Limit: 10}))

	err := rule.ValidateStruct(trackRequest{Path: "", Limit: 10})
	require.Error(t, err)

	errs := rule.Errors(err)
	assert.Contains(t, errs, "trackRequest.Path")

	assert.Error(t, rule.ValidateStruct(trackRequest{Path: "a.md", Limit: -1}))
}

type pageQuery struct {
	Page     int `form:"page" rule:"min=0"`
	PageSize int `form:"page_size" rule:"min=0,max=1000"`
}

func TestRulesApplyAfterGinBinding(t *testing.T) {
	q := pageQuery{PageSize: 5000}

	// gin 先以 binding 标签解析并缓存该类型，不能影响 rule 标签
	require.NoError(t, binding.Validator.ValidateStruct(&q))
	assert.NotSame(t, binding.Validator.Engine(), rule.Engine())

	err := rule.ValidateStruct(&q)
	require.Error(t, err)
	assert.Contains(t, rule.Errors(err), "pageQuery.PageSize")

	require.NoError(t, rule.ValidateStruct(&pageQuery{PageSize: 1000}))
}

func TestRelPath(t *testing.T) {
	cases := map[string]bool{
		"a.md":         true,
		"docs/a/b.txt": true,
		"":             false,
		"/abs/a.md":    false,
		"../escape.md": false,
		"a//b.md":      false,
		"a/./b.md":     false,
		"a\\b.md":      false,
	}

	for in, want := range cases {
		assert.Equal(t, want, rule.IsRelPath(in), in)
		assert.Equal(t, want, rule.ValidateVar(in, "relpath") == nil, in)
	}
}

func TestErrorsIgnoresForeignErrors(t *testing.T) {
	assert.Nil(t, rule.Errors(nil))
	assert.Nil(t, rule.Errors(assert.AnError))
}
