// Package rule 提供结构体和字段验证功能的封装，基于 go-playground/validator 实现.
// 校验标签统一为 `rule:"..."`，配置加载与只读 API 的查询参数共用同一实例.
// 实例独立于 gin 的 binding 引擎：validator 按类型缓存解析结果，与 gin 共用会让先解析的标签名生效.
package rule

import (
	"errors"
	"path"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	inst *validator.Validate
	once sync.Once
)

// initValidator 新建实例并设置标签名，必须在第一次校验之前完成.
func initValidator() {
	inst = validator.New()
	inst.SetTagName("rule")
	registerBuiltins(inst)
}

// registerBuiltins 注册项目内通用的自定义规则.
func registerBuiltins(v *validator.Validate) {
	// relpath: 非空、以 / 分隔、不含 .. 段的相对路径
	_ = v.RegisterValidation("relpath", func(fl validator.FieldLevel) bool {
		return IsRelPath(fl.Field().String())
	})
}

// IsRelPath 判断 p 是否为规范化的相对路径.
func IsRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}

	if path.Clean(p) != p {
		return false
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." {
			return false
		}
	}

	return true
}

// lazyInit 初始化全局 validator（幂等）.
func lazyInit() {
	once.Do(initValidator)
}

// Engine 返回全局 *validator.Validate，若未初始化则先初始化.
func Engine() *validator.Validate {
	lazyInit()

	return inst
}

// RegisterValidation 代理 RegisterValidation，确保已初始化.
func RegisterValidation(tag string, fn validator.Func, opts ...bool) error {
	lazyInit()

	return inst.RegisterValidation(tag, fn, opts...)
}

// ValidationErrors 是格式化后的验证错误字典，键为字段名（受 RegisterTagNameFunc 影响），值为可读错误信息.
type ValidationErrors map[string]string

// Errors 把 ValidateStruct 返回的错误解析为 ValidationErrors，非校验错误返回 nil.
func Errors(err error) ValidationErrors {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}

	out := make(ValidationErrors, len(verrs))
	for _, fe := range verrs {
		msg := "failed on '" + fe.Tag() + "'"
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}

		out[fe.Namespace()] = msg
	}

	return out
}

// ValidateStruct 对结构体执行完整校验，返回原始 error（可用 Errors 解析）.
func ValidateStruct(s any) error {
	lazyInit()

	return inst.Struct(s)
}

// ValidateVar 按规则对单个变量校验，例如: ValidateVar("abc", "required,relpath").
func ValidateVar(field any, tag string) error {
	lazyInit()

	return inst.Var(field, tag)
}

// RegisterAlias 包装 RegisterAlias，便于注册别名规则.
func RegisterAlias(alias, rules string) {
	lazyInit()

	inst.RegisterAlias(alias, rules)
}
