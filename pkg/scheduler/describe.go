/*
Copyright 2025 The Imageshelf Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
)

// Describe renders a 5-field cron expression for display: once-daily,
// hourly and every-N patterns get friendly phrasings, anything else
// is returned verbatim.
//
//	0 2 * * *     Daily at 2:00 AM
//	0 * * * *     Every hour
//	*/30 * * * *  Every 30 minutes
//	0 */6 * * *   Every 6 hours
func Describe(expr string) string {
	f := strings.Fields(expr)
	if len(f) != 5 || f[2] != "*" || f[3] != "*" || f[4] != "*" {
		return expr
	}
	min, hour := f[0], f[1]

	if min == "0" && hour == "*" {
		return "Every hour"
	}
	if n, ok := everyN(min); ok && hour == "*" {
		if n == 1 {
			return "Every minute"
		}
		return fmt.Sprintf("Every %d minutes", n)
	}
	if n, ok := everyN(hour); ok && min == "0" {
		if n == 1 {
			return "Every hour"
		}
		return fmt.Sprintf("Every %d hours", n)
	}

	m, err1 := strconv.Atoi(min)
	h, err2 := strconv.Atoi(hour)
	if err1 != nil || err2 != nil || m < 0 || m > 59 || h < 0 || h > 23 {
		return expr
	}
	return "Daily at " + clockTime(h, m)
}

// everyN matches the */N step form.
func everyN(field string) (int, bool) {
	rest, ok := strings.CutPrefix(field, "*/")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// clockTime formats a 12-hour clock reading like "2:00 AM".
func clockTime(h, m int) string {
	period := "AM"
	switch {
	case h == 0:
		h = 12
	case h == 12:
		period = "PM"
	case h > 12:
		h -= 12
		period = "PM"
	}
	return fmt.Sprintf("%d:%02d %s", h, m, period)
}
