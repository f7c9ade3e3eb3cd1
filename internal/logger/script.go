package logger

import (
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
)

var (
	scriptMu  sync.Mutex
	scriptLog *log.Logger
)

// SetScriptWriter 设置策略脚本 log() 输出的独立落盘位置，nil 表示关闭。
func SetScriptWriter(w io.Writer) {
	scriptMu.Lock()
	defer scriptMu.Unlock()
	if w == nil {
		scriptLog = nil
		return
	}
	scriptLog = log.New(w, "", log.LstdFlags)
}

// LogScript dumps the lines one strategy invocation printed.
func LogScript(execution, strategy string, bar int, lines []string) {
	scriptMu.Lock()
	l := scriptLog
	scriptMu.Unlock()
	if l == nil || len(lines) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("[SCRIPT][")
	b.WriteString(execution)
	b.WriteString("][")
	b.WriteString(strategy)
	b.WriteString("][bar ")
	b.WriteString(strconv.Itoa(bar))
	b.WriteString("]\n")
	for _, line := range lines {
		b.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			b.WriteString("\n")
		}
	}
	l.Print(b.String())
}
