//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// now is replaced in tests.
var now = time.Now

// registerClockModule registers the `clock` global table in a Lua state.
func registerClockModule(L *lua.LState) {
	L.SetGlobal("clock", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":     clockGet,
		"between": clockBetween,
	}))
}

// clock.get(component)
func clockGet(L *lua.LState) int {
	component := L.CheckString(1)
	t := now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(t.Hour()))
	case "minute":
		L.Push(lua.LNumber(t.Minute()))
	case "weekday":
		L.Push(lua.LNumber(t.Weekday()))
	case "day":
		L.Push(lua.LNumber(t.Day()))
	case "month":
		L.Push(lua.LNumber(t.Month()))
	case "timestamp":
		L.Push(lua.LNumber(t.Unix()))
	case "time_str":
		L.Push(lua.LString(t.Format("15:04")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// clock.between(from_hour, to_hour) is true when the current hour is in
// [from, to). Ranges wrap past midnight when from > to.
func clockBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := now().Hour()

	var in bool
	if from <= to {
		in = hour >= from && hour < to
	} else {
		in = hour >= from || hour < to
	}
	L.Push(lua.LBool(in))
	return 1
}
