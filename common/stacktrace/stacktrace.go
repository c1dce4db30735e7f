/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*
Package stacktrace names call sites for error messages and log "trace"
fields, in the compact form "package.Function#line".
*/
package stacktrace

import (
	"fmt"
	"runtime"
	"strings"
)

// CallerContext returns the call site skip frames above the caller of
// CallerContext: 0 names the caller itself, 1 its caller, and so on.
func CallerContext(skip int) string {
	pc, _, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s#%d", functionName(pc), line)
}

// functionName strips the import path, leaving e.g.
// "sockets.(*Server).Start".
func functionName(pc uintptr) string {
	function := runtime.FuncForPC(pc)
	if function == nil {
		return "unknown"
	}
	name := function.Name()
	return name[strings.LastIndex(name, "/")+1:]
}
