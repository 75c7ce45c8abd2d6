package axsis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalLiteral(t *testing.T) {
	testCases := []struct {
		name     string
		input    any
		expected string
	}{
		{
			name:     "string single quoted",
			input:    "hello",
			expected: "'hello'",
		},
		{
			name:     "quote escaped",
			input:    "o'clock",
			expected: `'o\'clock'`,
		},
		{
			name:     "true capitalized",
			input:    true,
			expected: "True",
		},
		{
			name:     "false lowercase",
			input:    false,
			expected: "false",
		},
		{
			name:     "nil",
			input:    nil,
			expected: "null",
		},
		{
			name:     "int",
			input:    42,
			expected: "42",
		},
		{
			name:     "slice",
			input:    []any{"a", 1, true},
			expected: "['a', 1, True]",
		},
		{
			name: "struct uses json tags",
			input: PicklistEntry{
				Value:       "BAL101",
				Description: "BAL101 - 1200 E FAYETTE ST",
			},
			expected: "{'Value': 'BAL101', 'Description': 'BAL101 - 1200 E FAYETTE ST'}",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := MarshalLiteral(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, out)
		})
	}
}

func TestMarshalLiteralUnsupportedKind(t *testing.T) {
	_, err := MarshalLiteral(map[string]string{"a": "b"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot serialize map")
}

func TestMarshalLiteralReportPayload(t *testing.T) {
	detail := ReportsDetail{
		Parameters: []ReportParameter{
			{
				ParmDataType: "DATE",
				ParmId:       2,
				ParmName:     "StartDate",
				ParmValue:    "11/01/2020",
				ReportId:     1,
				ParmList:     nil,
			},
		},
	}
	out, err := MarshalLiteral(detail)
	require.NoError(t, err)
	require.Contains(t, out, "'ParmValue': '11/01/2020'")
	require.Contains(t, out, "'ParmList': null")
	require.Contains(t, out, "'ParmDataType': 'DATE'")
}
