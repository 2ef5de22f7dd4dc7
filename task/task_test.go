// Copyright 2025 The fab Authors.
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

package task

import (
	"reflect"
	"testing"
)

func body(*Context) (interface{}, error) { return nil, nil }

func TestRegisterAndList(t *testing.T) {
	defer Unregister("zeta")
	defer Unregister("alpha")

	Register(&Task{Name: "zeta", Body: body})
	Register(&Task{Name: "alpha", Body: body})

	if _, ok := Get("zeta"); !ok {
		t.Error("zeta not found after register")
	}
	names := List()
	if !reflect.DeepEqual(names, []string{"alpha", "zeta"}) {
		t.Errorf("List() = %v, want sorted names", names)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer Unregister("dup")
	Register(&Task{Name: "dup", Body: body})
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	Register(&Task{Name: "dup", Body: body})
}

func TestRegisterInvalidPanics(t *testing.T) {
	for _, tk := range []*Task{
		{Name: "", Body: body},
		{Name: "nobody"},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("registering %+v did not panic", tk)
				}
			}()
			Register(tk)
		}()
	}
}
