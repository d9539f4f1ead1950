package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Message keys for preflight failures.
const (
	msgRuntimeMissing          = "runtime_missing"
	msgEntryPointMissing       = "entry_point_missing"
	msgEntryPointNotFile       = "entry_point_not_file"
	msgContainerRuntimeMissing = "container_runtime_missing"
)

var preflightMessages = map[string]map[string]string{
	"en": {
		msgRuntimeMissing:          "Agent runtime %q was not found on PATH. Install it, or set host.runtime in config.yaml to its full path.",
		msgEntryPointMissing:       "Agent entry point %s does not exist. Build the agent runner (npm run build in container/agent-runner) or set host.entryPoint.",
		msgEntryPointNotFile:       "Agent entry point %s is not a regular file. Point host.entryPoint at the compiled runner script.",
		msgContainerRuntimeMissing: "Container runtime %q was not found on PATH. Install Docker, or set container.runtime, or run this workspace in host mode.",
	},
	"zh": {
		msgRuntimeMissing:          "在 PATH 中找不到代理运行时 %q。请先安装，或在 config.yaml 中将 host.runtime 设置为完整路径。",
		msgEntryPointMissing:       "代理入口文件 %s 不存在。请先构建代理运行器（在 container/agent-runner 中执行 npm run build），或设置 host.entryPoint。",
		msgEntryPointNotFile:       "代理入口 %s 不是普通文件。请将 host.entryPoint 指向编译后的运行器脚本。",
		msgContainerRuntimeMissing: "在 PATH 中找不到容器运行时 %q。请安装 Docker、设置 container.runtime，或将此工作区改为 host 模式运行。",
	},
}

// localize formats the message for key in locale, falling back to English.
// Locales like "zh-CN" match their base language.
func localize(locale, key string, args ...any) string {
	lang := strings.ToLower(locale)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	table, ok := preflightMessages[lang]
	if !ok {
		table = preflightMessages["en"]
	}
	format, ok := table[key]
	if !ok {
		format = preflightMessages["en"][key]
	}
	return fmt.Sprintf(format, args...)
}

// PreflightError is a launch precondition that is not met. Message is meant
// for the person operating the workspace.
type PreflightError struct {
	Key     string
	Message string
}

func (e *PreflightError) Error() string { return e.Message }

// checkHostPreflight verifies that the host runtime and the compiled entry
// point exist. An empty runtime means the entry point is executed directly.
func checkHostPreflight(runtime, entryPoint, locale string) *PreflightError {
	if runtime != "" {
		if _, err := exec.LookPath(runtime); err != nil {
			return &PreflightError{Key: msgRuntimeMissing, Message: localize(locale, msgRuntimeMissing, runtime)}
		}
	}
	info, err := os.Stat(entryPoint)
	if err != nil {
		return &PreflightError{Key: msgEntryPointMissing, Message: localize(locale, msgEntryPointMissing, entryPoint)}
	}
	if !info.Mode().IsRegular() {
		return &PreflightError{Key: msgEntryPointNotFile, Message: localize(locale, msgEntryPointNotFile, entryPoint)}
	}
	return nil
}

func checkContainerPreflight(runtime, locale string) *PreflightError {
	if _, err := exec.LookPath(runtime); err != nil {
		return &PreflightError{Key: msgContainerRuntimeMissing, Message: localize(locale, msgContainerRuntimeMissing, runtime)}
	}
	return nil
}
