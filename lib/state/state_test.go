/*
Copyright 2025 Kiwi Platform Contributors.

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

package state

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestGenerateServiceCredentials(t *testing.T) {
	creds, err := GenerateServiceCredentials()
	require.NoError(t, err)

	// Usernames must survive the identifier vetting that guards DDL.
	for _, username := range []string{creds.PostgresUsername, creds.RedisUsername} {
		got, err := sanitizeIdentifier(username)
		require.NoError(t, err, "username %q", username)
		require.Equal(t, username, got)
		require.Len(t, username, 24)
	}
	for _, password := range []string{creds.PostgresPassword, creds.RedisPassword} {
		require.NoError(t, checkGeneratedSecret(password))
	}

	// Credential sets never repeat.
	other, err := GenerateServiceCredentials()
	require.NoError(t, err)
	require.NotEqual(t, creds.PostgresPassword, other.PostgresPassword)
	require.NotEqual(t, creds.PostgresUsername, other.PostgresUsername)
}

func TestSanitizeIdentifierRejectsMetacharacters(t *testing.T) {
	for _, name := range []string{
		"blog; DROP TABLE users",
		"blog'",
		`blog"`,
		"blog blog",
		"Blog",
		"blog\n",
	} {
		_, err := sanitizeIdentifier(name)
		require.Error(t, err, "identifier %q", name)
	}
}

func TestCheckGeneratedSecret(t *testing.T) {
	require.NoError(t, checkGeneratedSecret("Abc123XYZ"))

	for _, password := range []string{
		"",
		"pass'word",
		"pass word",
		"pass;word",
		"päss",
	} {
		err := checkGeneratedSecret(password)
		require.True(t, trace.IsBadParameter(err), "password %q", password)
	}
}

func TestMigrationLedgerShape(t *testing.T) {
	require.Len(t, migrations, schemaVersion)
}
