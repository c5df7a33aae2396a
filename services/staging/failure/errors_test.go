// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClass_ExitCode(t *testing.T) {
	tests := []struct {
		class Class
		want  int
	}{
		{ClassNone, ExitSuccess},
		{ClassValidation, ExitValidation},
		{ClassAmbiguous, ExitValidation},
		{ClassNotFound, ExitValidation},
		{ClassIntegrity, ExitProcessing},
		{ClassUnsafeArchive, ExitProcessing},
		{ClassUnrepairable, ExitProcessing},
		{ClassTimeout, ExitProcessing},
		{ClassProcessing, ExitProcessing},
		{ClassRunInProgress, ExitProcessing},
		{ClassUnexpected, ExitUnexpected},
		{Class("bogus"), ExitUnexpected},
	}
	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.class.ExitCode())
		})
	}
}

func TestError_IsMatchesSentinelThroughWrapping(t *testing.T) {
	base := New(ClassUnsafeArchive, "extract", "/tmp/a.zip", errors.New("member escapes root"), "../evil")
	wrapped := fmt.Errorf("stage mri: %w", base)

	assert.True(t, errors.Is(wrapped, ErrUnsafeArchive))
	assert.False(t, errors.Is(wrapped, ErrIntegrity))
	assert.Equal(t, ClassUnsafeArchive, ClassOf(wrapped))
	assert.Equal(t, []string{"../evil"}, DetailsOf(wrapped))
	assert.Contains(t, wrapped.Error(), `unsafe_archive: extract "/tmp/a.zip": member escapes root [../evil]`)
}

func TestClassOf_Unclassified(t *testing.T) {
	assert.Equal(t, ClassNone, ClassOf(nil))
	assert.Equal(t, ClassUnexpected, ClassOf(errors.New("boom")))
	assert.Equal(t, ClassProcessing, ClassOf(fmt.Errorf("wait: %w", context.Canceled)))
	assert.Equal(t, ExitUnexpected, ExitCode(errors.New("boom")))
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Newf(ClassProcessing, "commit", "", "rename: %w", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrProcessing)
}
