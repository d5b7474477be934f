package symbolic

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

// Domain 定宽整数域
type Domain struct {
	Width  int
	Signed bool
}

var (
	// Usize 索引类型的默认域
	Usize = Domain{Width: 64, Signed: false}
	// Isize 有符号指针偏移域
	Isize = Domain{Width: 64, Signed: true}
)

// DomainOf 按 Rust 整数类型名返回整数域
func DomainOf(typeName string) (Domain, bool) {
	switch strings.TrimSpace(typeName) {
	case "usize", "u64":
		return Domain{Width: 64}, true
	case "isize", "i64":
		return Domain{Width: 64, Signed: true}, true
	case "u8":
		return Domain{Width: 8}, true
	case "u16":
		return Domain{Width: 16}, true
	case "u32":
		return Domain{Width: 32}, true
	case "u128":
		return Domain{Width: 128}, true
	case "i8":
		return Domain{Width: 8, Signed: true}, true
	case "i16":
		return Domain{Width: 16, Signed: true}, true
	case "i32":
		return Domain{Width: 32, Signed: true}, true
	case "i128":
		return Domain{Width: 128, Signed: true}, true
	}
	return Domain{}, false
}

// String 返回域对应的类型名
func (d Domain) String() string {
	prefix := "u"
	if d.Signed {
		prefix = "i"
	}
	if d.Width == 64 {
		return prefix + "size"
	}
	return fmt.Sprintf("%s%d", prefix, d.Width)
}

// Bounds 返回域的精确上下界
func (d Domain) Bounds() (lo, hi *big.Int) {
	one := big.NewInt(1)
	if d.Signed {
		half := new(big.Int).Lsh(one, uint(d.Width-1))
		return new(big.Int).Neg(half), new(big.Int).Sub(half, one)
	}
	max := new(big.Int).Lsh(one, uint(d.Width))
	return big.NewInt(0), max.Sub(max, one)
}

// Range 返回饱和到 int64 的上下界
// 64 位及以上的无符号域上界截断为 MaxInt64
func (d Domain) Range() (lo, hi int64) {
	blo, bhi := d.Bounds()
	lo, hi = math.MinInt64, math.MaxInt64
	if blo.IsInt64() {
		lo = blo.Int64()
	}
	if bhi.IsInt64() {
		hi = bhi.Int64()
	}
	return lo, hi
}
