package expressions

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func TestCondition_MissingVariableIsFalse(t *testing.T) {
	e := NewConditionEngine()

	ok, err := e.Test("x > 1", map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Test("x < 1", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Test("user.age >= 18", map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCondition_Comparisons(t *testing.T) {
	e := NewConditionEngine()
	vars := map[string]any{
		"x":      5,
		"ratio":  0.75,
		"count":  "12",
		"status": "done",
		"flag":   true,
		"user":   map[string]any{"name": "ada", "roles": []any{"admin", "dev"}},
	}

	cases := map[string]bool{
		"x > 1":                        true,
		"x == 5":                       true,
		"x != 5":                       false,
		"x <= 4.5":                     false,
		"ratio < 1 && ratio > 0.5":     true,
		"count > 10":                   true,
		"count == 12":                  true,
		`status == "done"`:             true,
		`status != "open"`:             true,
		`status < "e"`:                 true,
		"flag":                         true,
		"!flag":                        false,
		"not flag or x > 3":            true,
		`user.name == "ada"`:           true,
		`user["name"] startsWith "a"`:  true,
		`user.roles[1] == "dev"`:       true,
		`"admin" in user.roles`:        true,
		`"ops" in user.roles`:          false,
		`"ops" not in user.roles`:      true,
		`status in ["done", "closed"]`: true,
		`user.name contains "d"`:       true,
		`status endsWith "ne"`:         true,
		"x > -1":                       true,
		"missing == nil":               true,
		"missing != 1":                 true,
		`x > "abc"`:                    false,
		"flag == true and (x < 3 or ratio >= 0.75)": true,
	}
	for expr, want := range cases {
		got, err := e.Test(expr, vars)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
}

func TestCondition_RejectsUnsafeConstructs(t *testing.T) {
	e := NewConditionEngine()
	rejected := []string{
		"x + 1 > 2",
		"len(items) > 0",
		`exec("rm -rf /")`,
		"user.Name()",
		"filter(items, # > 1)",
		"x ?? 1",
		"user?.name == 1",
		`name matches "^a"`,
		"let y = 1; y > 0",
		"x > 1 ? true : false",
		"items[1:2]",
		"{a: 1}",
		"x | y",
		"user[key]",
		"",
		"x >",
	}
	for _, expr := range rejected {
		err := e.Validate(expr)
		require.Error(t, err, expr)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), expr)

		_, err = e.Test(expr, map[string]any{"x": 1})
		assert.Error(t, err, expr)
	}
}

func TestCondition_Truthiness(t *testing.T) {
	e := NewConditionEngine()
	vars := map[string]any{"empty": "", "name": "x", "zero": 0, "list": []any{}, "obj": map[string]any{"a": 1}}

	for expr, want := range map[string]bool{
		"empty": false, "name": true, "zero": false, "list": false, "obj": true, "nothing": false,
	} {
		got, err := e.Test(expr, vars)
		require.NoError(t, err)
		assert.Equal(t, want, got, expr)
	}
}

func TestCondition_CacheIsBounded(t *testing.T) {
	e := NewConditionEngine()
	for i := 0; i < compiledCacheSize+200; i++ {
		ok, err := e.Test(fmt.Sprintf("%d > 1", i), nil)
		require.NoError(t, err)
		assert.Equal(t, i > 1, ok)
	}
	assert.Equal(t, compiledCacheSize, e.cache.Len())

	// Evicted expressions parse again on demand.
	ok, err := e.Test("0 > 1", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCondition_ConcurrentAccess(t *testing.T) {
	e := NewConditionEngine()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := e.Test("n > 10", map[string]any{"n": i})
			assert.NoError(t, err)
			assert.Equal(t, i > 10, ok)
		}(i)
	}
	wg.Wait()
}
