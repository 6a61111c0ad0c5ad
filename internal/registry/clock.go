package registry

import "time"

func wallclockMillis() int64 {
	return time.Now().UnixMilli()
}
