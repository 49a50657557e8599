//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"nexa-go-home/internal/gateway"
	"nexa-go-home/internal/nexa"
)

const (
	maxHandlersPerScript = 100
	sendTimeout          = 5 * time.Second
)

// registerNexaModule registers the `nexa` global table in a Lua state.
func registerNexaModule(L *lua.LState, vm *scriptVM, e *Engine) {
	device := func(action gateway.Action) lua.LGFunction {
		return func(L *lua.LState) int {
			return nexaSend(L, vm, e, gateway.Command{Target: L.CheckString(1), Action: action})
		}
	}
	group := func(action gateway.Action) lua.LGFunction {
		return func(L *lua.LState) int {
			return nexaSend(L, vm, e, gateway.Command{Target: L.CheckString(1), Group: true, Action: action})
		}
	}

	L.SetGlobal("nexa", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on":        func(L *lua.LState) int { return nexaOn(L, vm) },
		"turn_on":   device(gateway.ActionOn),
		"turn_off":  device(gateway.ActionOff),
		"toggle":    device(gateway.ActionToggle),
		"dim":       func(L *lua.LState) int { return nexaDim(L, vm, e) },
		"group_on":  group(gateway.ActionOn),
		"group_off": group(gateway.ActionOff),
		"state":     func(L *lua.LState) int { return nexaState(L, e) },
		"devices":   func(L *lua.LState) int { return nexaDevices(L, e) },
		"after":     func(L *lua.LState) int { return nexaAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			vm.logf(L.CheckString(1))
			return 0
		},
	}))
}

// nexa.on(type, filter, callback)
func nexaOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{eventType: eventType, filter: make(map[string]string)}
	filterTable.ForEach(func(k, v lua.LValue) {
		h.filter[k.String()] = v.String()
	})
	h.fn = fn

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// nexa.dim(name, level)
func nexaDim(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	level := L.CheckInt(2)
	if level < 0 || level > nexa.MaxDimLevel {
		L.ArgError(2, "level must be 0-100")
		return 0
	}
	return nexaSend(L, vm, e, gateway.Command{Target: name, Action: gateway.ActionDim, Level: uint8(level)})
}

// nexaSend returns true, or false and an error message.
func nexaSend(L *lua.LState, vm *scriptVM, e *Engine, cmd gateway.Command) int {
	ctx, cancel := context.WithTimeout(vm.ctx, sendTimeout)
	defer cancel()

	if err := e.gw.Send(ctx, cmd); err != nil {
		e.logger.Warn("script command failed", "cmd", cmd.String(), "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// nexa.state(name) returns {state=..., brightness=...} or nil.
func nexaState(L *lua.LState, e *Engine) int {
	st, err := e.gw.State(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	t := L.NewTable()
	t.RawSetString("name", lua.LString(st.Name))
	t.RawSetString("state", lua.LString(st.State))
	if st.Brightness != nil {
		t.RawSetString("brightness", lua.LNumber(*st.Brightness))
	}
	L.Push(t)
	return 1
}

// nexa.devices() returns an array of device tables.
func nexaDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, dev := range e.gw.Devices() {
		d := L.NewTable()
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("controller_id", lua.LNumber(dev.ControllerID))
		d.RawSetString("device_id", lua.LNumber(dev.DeviceID))
		d.RawSetString("dimmable", lua.LBool(dev.Dimmable))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// nexa.after(seconds, callback) runs callback on the VM after a delay.
func nexaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}
