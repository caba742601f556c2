package strutil

import "testing"

func TestUnsafeStrConvert(t *testing.T) {
	byt := []byte("abc")
	s := UnsafeByt2Str(byt)
	if s != "abc" {
		t.Fatal(s)
	}
	if string(UnsafeStr2Byt(s)) != "abc" {
		t.Fatal("str2byt")
	}
	if UnsafeByt2Str(nil) != "" {
		t.Fatal("nil should be empty")
	}
}

func TestOrElse(t *testing.T) {
	if v := OrElse("  ", "", "b"); v != "b" {
		t.Fatal(v)
	}
	if v := OrElse("a", "b"); v != "a" {
		t.Fatal(v)
	}
}

func TestPadSpace(t *testing.T) {
	if v := PadSpace("ab", 4); v != "ab  " {
		t.Fatalf("'%v'", v)
	}
	if v := PadSpace("abcdef", 4); v != "abcdef" {
		t.Fatalf("'%v'", v)
	}
}
