package keymap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVirtualKeyCodeNamedKeys(t *testing.T) {
	t.Parallel()
	cases := map[string]int{
		"Backspace": 8, "Tab": 9, "Enter": 13, "Shift": 16, "Control": 17,
		"Alt": 18, "Escape": 27, "Space": 32, "ArrowLeft": 37, "ArrowUp": 38,
		"ArrowRight": 39, "ArrowDown": 40, "Delete": 46,
		"F1": 112, "F6": 117, "F12": 123,
	}
	for key, want := range cases {
		assert.Equal(t, want, VirtualKeyCode(key), "key %s", key)
	}
}

func TestVirtualKeyCodeSingleCharacter(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 65, VirtualKeyCode("a"))
	assert.Equal(t, 65, VirtualKeyCode("A"))
	assert.Equal(t, int('1'), VirtualKeyCode("1"))
	assert.Equal(t, int('.'), VirtualKeyCode("."))
}

func TestVirtualKeyCodeUnknown(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, VirtualKeyCode("MediaPlayPause"))
	assert.Equal(t, 0, VirtualKeyCode(""))
}

func TestIsSingleCharacter(t *testing.T) {
	t.Parallel()
	assert.True(t, IsSingleCharacter("a"))
	assert.False(t, IsSingleCharacter("Enter"))
	assert.False(t, IsSingleCharacter(""))
}

func TestFlags(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, Flags(Modifiers{}))
	assert.Equal(t, 1, Flags(Modifiers{Alt: true}))
	assert.Equal(t, 2, Flags(Modifiers{Ctrl: true}))
	assert.Equal(t, 4, Flags(Modifiers{Meta: true}))
	assert.Equal(t, 8, Flags(Modifiers{Shift: true}))
	assert.Equal(t, 15, Flags(Modifiers{Alt: true, Ctrl: true, Meta: true, Shift: true}))
}
