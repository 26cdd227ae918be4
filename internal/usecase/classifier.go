// Package usecase contains application business logic.
package usecase

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// DevLaunchEnv marks a launch from an IDE or debugger.
const DevLaunchEnv = "FOCUSD_DEV_LAUNCH"

const chromeOriginPrefix = "chrome-extension://"

// debuggerParents are parent process names that imply a development launch.
var debuggerParents = map[string]bool{
	"dlv":         true,
	"debugserver": true,
	"lldb":        true,
	"gdb":         true,
}

// Classify decides how this process was started. It looks only at the
// arguments the browser passes, never at whether stdin is a terminal.
//
// Chromium browsers pass the caller origin ("chrome-extension://<id>/").
// Firefox passes the host manifest path followed by the add-on id.
func Classify(args []string, getenv func(string) string, pm domain.ProcessManager) domain.LaunchContext {
	launch := domain.LaunchContext{
		Args: append([]string(nil), args...),
	}
	launch.ExtensionOrigin, launch.ExtensionLaunch = extensionOrigin(args)
	launch.DevelopmentLaunch = isDevLaunch(getenv, pm)
	return launch
}

func extensionOrigin(args []string) (string, bool) {
	for i, arg := range args {
		if strings.HasPrefix(arg, chromeOriginPrefix) {
			return arg, true
		}
		if filepath.Base(arg) == domain.NativeHostName+".json" {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				return args[i+1], true
			}
			return arg, true
		}
	}
	return "", false
}

func isDevLaunch(getenv func(string) string, pm domain.ProcessManager) bool {
	if getenv != nil {
		if v := getenv(DevLaunchEnv); v != "" {
			on, err := strconv.ParseBool(v)
			return err != nil || on
		}
	}
	if pm == nil {
		return false
	}
	name, err := pm.Name(pm.GetParentPID())
	if err != nil {
		return false
	}
	return debuggerParents[strings.ToLower(filepath.Base(name))]
}
