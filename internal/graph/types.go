package graph

import "strings"

var (
	stringTypes = map[string]bool{
		"varchar": true, "nvarchar": true, "char": true, "nchar": true, "text": true,
		"character varying": true, "character": true, "string": true, "uuid": true,
	}
	intTypes = map[string]bool{
		"int": true, "integer": true, "bigint": true, "smallint": true, "tinyint": true,
		"mediumint": true, "serial": true, "bigserial": true, "int4": true, "int8": true, "int2": true,
	}
	numericTypes = map[string]bool{
		"decimal": true, "numeric": true, "number": true,
	}
)

// baseType 去掉长度、精度与 unsigned 修饰
func baseType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	t = strings.TrimSuffix(t, " unsigned")
	return strings.TrimSpace(t)
}

// TypesCompatible 判断两列能否作为连接条件
func TypesCompatible(type1, type2 string) bool {
	t1, t2 := baseType(type1), baseType(type2)

	if t1 == t2 {
		return true
	}
	if stringTypes[t1] && stringTypes[t2] {
		return true
	}
	// 整数键可以引用 decimal(p,0) 之类的数值键
	if (intTypes[t1] || numericTypes[t1]) && (intTypes[t2] || numericTypes[t2]) {
		return true
	}
	return false
}
