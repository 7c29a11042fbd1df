// Copyright 2024 The fuse-adapter Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"fmt"
	"strconv"
	"strings"
)

// Octal is the datatype for params such as file-mode and dir-mode which
// accept a base-8 value.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// ByteSize accepts plain byte counts and human-readable strings like
// "256MB" or "1GiB". Both decimal and binary suffixes mean powers of
// 1024, which is what people configuring cache sizes expect.
type ByteSize int64

var byteSuffixes = []struct {
	suffix string
	factor int64
}{
	{"TIB", 1 << 40}, {"TB", 1 << 40}, {"T", 1 << 40},
	{"GIB", 1 << 30}, {"GB", 1 << 30}, {"G", 1 << 30},
	{"MIB", 1 << 20}, {"MB", 1 << 20}, {"M", 1 << 20},
	{"KIB", 1 << 10}, {"KB", 1 << 10}, {"K", 1 << 10},
	{"B", 1},
}

func (s *ByteSize) UnmarshalText(text []byte) error {
	str := strings.ToUpper(strings.TrimSpace(string(text)))
	if str == "" {
		*s = 0
		return nil
	}

	factor := int64(1)
	for _, e := range byteSuffixes {
		if strings.HasSuffix(str, e.suffix) {
			factor = e.factor
			str = strings.TrimSpace(strings.TrimSuffix(str, e.suffix))
			break
		}
	}

	n, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", string(text), err)
	}
	if n < 0 {
		return fmt.Errorf("byte size %q is negative", string(text))
	}

	*s = ByteSize(n * float64(factor))
	return nil
}

func (s ByteSize) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(s), 10)), nil
}

func (s ByteSize) Bytes() int64 { return int64(s) }
