package vars

import (
	"errors"
	"reflect"
	"testing"
)

func TestPrecedence(t *testing.T) {
	s := NewStore()
	s.Set("branch", "main")
	s.Set("deploy_path", "/var/www/app")

	a := s.NewScope(map[string]interface{}{"deploy_path": "/srv/a"})
	b := s.NewScope(nil)

	if v, _ := a.String("deploy_path"); v != "/srv/a" {
		t.Fatalf("host value should shadow default, got %q", v)
	}
	if v, _ := b.String("deploy_path"); v != "/var/www/app" {
		t.Fatalf("expected default, got %q", v)
	}

	s.Override("deploy_path", "/override")
	a = a.Snapshot()
	if v, _ := a.String("deploy_path"); v != "/override" {
		t.Fatalf("override should shadow host value, got %q", v)
	}

	if _, err := a.Get("missing"); err == nil {
		t.Fatalf("expected error for undefined variable")
	} else {
		var undef *UndefinedVariableError
		if !errors.As(err, &undef) || undef.Name != "missing" {
			t.Fatalf("expected UndefinedVariableError, got %v", err)
		}
	}
}

func TestParseExpandsNestedPlaceholders(t *testing.T) {
	s := NewStore()
	s.Set("deploy_path", "/var/www")
	s.Set("release_path", "{{deploy_path}}/releases/{{ release_name }}")
	s.Set("release_name", "20240101120000")

	sc := s.NewScope(nil)
	got, err := sc.Parse("cd {{release_path}} && ls")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "cd /var/www/releases/20240101120000 && ls"
	if got != expected {
		t.Fatalf("Parse() = %q, expected %q", got, expected)
	}

	if got, _ := sc.Parse("no placeholders {here}"); got != "no placeholders {here}" {
		t.Fatalf("plain text changed: %q", got)
	}
}

func TestParseDetectsCycles(t *testing.T) {
	s := NewStore()
	s.Set("a", "{{b}}")
	s.Set("b", "x{{a}}")

	_, err := s.Parse("{{a}}")
	var cyc *CircularReferenceError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CircularReferenceError, got %v", err)
	}
	if !reflect.DeepEqual(cyc.Chain, []string{"a", "b", "a"}) {
		t.Fatalf("unexpected chain %v", cyc.Chain)
	}
}

func TestFuncCycleThroughEvaluation(t *testing.T) {
	s := NewStore()
	s.Set("self", Func(func(sc *Scope) (interface{}, error) {
		return sc.String("self")
	}))
	_, err := s.Get("self")
	var cyc *CircularReferenceError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CircularReferenceError, got %v", err)
	}
}

func TestFuncEvaluatedOncePerSnapshot(t *testing.T) {
	s := NewStore()
	calls := 0
	s.Set("release_path", Func(func(sc *Scope) (interface{}, error) {
		calls++
		return "/r/" + string(rune('0'+calls)), nil
	}))
	sc := s.NewScope(nil)

	first, _ := sc.String("release_path")
	second, _ := sc.String("release_path")
	if first != second || calls != 1 {
		t.Fatalf("expected one evaluation per snapshot, got %q %q after %d calls", first, second, calls)
	}

	next := sc.Snapshot()
	third, _ := next.String("release_path")
	if calls != 2 || third == first {
		t.Fatalf("expected re-evaluation in a new snapshot, got %q after %d calls", third, calls)
	}
}

func TestSetStaysOnHost(t *testing.T) {
	s := NewStore()
	s.Set("cache_dir", "app/cache")
	a := s.NewScope(nil)
	b := s.NewScope(nil)

	a.Set("cache_dir", "var/cache")
	if v, _ := a.Snapshot().String("cache_dir"); v != "var/cache" {
		t.Fatalf("set value should survive snapshot, got %q", v)
	}
	if v, _ := b.String("cache_dir"); v != "app/cache" {
		t.Fatalf("set value leaked to another host: %q", v)
	}
}

func TestStringsAndBool(t *testing.T) {
	s := NewStore()
	s.Set("shared_dirs", []interface{}{"app/logs", "{{web}}/uploads"})
	s.Set("web", "web")
	s.Set("csv", "a, b,,c")
	s.Set("dump_assets", "yes")
	s.Set("keep", 3)

	sc := s.NewScope(nil)
	dirs, err := sc.Strings("shared_dirs")
	if err != nil || !reflect.DeepEqual(dirs, []string{"app/logs", "web/uploads"}) {
		t.Fatalf("Strings() = %v, %v", dirs, err)
	}
	csv, _ := sc.Strings("csv")
	if !reflect.DeepEqual(csv, []string{"a", "b", "c"}) {
		t.Fatalf("comma list = %v", csv)
	}
	if ok, _ := sc.Bool("dump_assets"); !ok {
		t.Fatalf("expected dump_assets to be true")
	}
	if ok, _ := sc.Bool("undefined_flag"); ok {
		t.Fatalf("undefined flag should be false")
	}
	if n, _ := sc.Int("keep"); n != 3 {
		t.Fatalf("Int() = %d", n)
	}
}

func TestFrozenStoreRejectsWrites(t *testing.T) {
	s := NewStore()
	s.Set("a", "1")
	s.Freeze()
	if err := s.Set("a", "2"); err == nil {
		t.Fatalf("expected error setting a frozen store")
	}
	if err := s.Override("a", "2"); err == nil {
		t.Fatalf("expected error overriding a frozen store")
	}
	if v, _ := s.Parse("{{a}}"); v != "1" {
		t.Fatalf("frozen store changed: %q", v)
	}
}

func TestCheckFindsUndefinedWithoutEvaluating(t *testing.T) {
	s := NewStore()
	s.Set("release_path", Func(func(*Scope) (interface{}, error) {
		t.Fatalf("lazy value must not be evaluated by Check")
		return nil, nil
	}))
	s.Set("cache_dir", "{{release_path}}/{{var_dir}}/cache")
	sc := s.NewScope(map[string]interface{}{"var_dir": "app"})

	if err := sc.Check("rm -rf {{cache_dir}}"); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	err := sc.Check("php {{release_path}}/{{bin_dir}}/console")
	var undef *UndefinedVariableError
	if !errors.As(err, &undef) || undef.Name != "bin_dir" {
		t.Fatalf("expected undefined bin_dir, got %v", err)
	}
}

func TestCheckDetectsCycles(t *testing.T) {
	s := NewStore()
	s.Set("a", "{{b}}")
	s.Set("b", "{{a}}")
	var cyc *CircularReferenceError
	if err := s.NewScope(nil).Check("{{a}}"); !errors.As(err, &cyc) {
		t.Fatalf("expected cycle, got %v", err)
	}
}
