package simulator

// The policy bundle served by the simulator. The user info rules resolve
// accounts from the directory data and fall back to structured error
// records; the baseline module is the smoke-check target; the role module
// mirrors backends that resolve realm roles instead of directory records.

const userInfoModule = `package userinfo

import future.keywords.in

currentUserInfoByUsername := user {
	some user in data.users
	user.username == input.username
} else := info {
	input.username
	info := not_found("username", input.username)
}

currentUserInfoById := user {
	some user in data.users
	user.id == input.id
} else := info {
	input.id
	info := not_found("id", input.id)
}

not_found(key, value) := info {
	message := sprintf("failed to get user information from %s", [data.backend])
	cause := sprintf("unable to find user with %s %q", [key, value])
	info := {"error": {"message": message, "causes": [cause]}}
}
`

const baselineModule = `package test

hello {
	true
}

world {
	false
}
`

const roleAssignmentsModule = `package currentUserInfo

import future.keywords.in

customAttributes := user.customAttributes {
	some user in data.roleAssignments
	user.username == input.username
}

groups := user.groups {
	some user in data.roleAssignments
	user.username == input.username
}

roles := user.roles {
	some user in data.roleAssignments
	user.username == input.username
}
`

// Modules returns the bundle's rego sources keyed by file name.
func Modules() map[string]string {
	return map[string]string{
		"userinfo.rego":         userInfoModule,
		"baseline.rego":         baselineModule,
		"role_assignments.rego": roleAssignmentsModule,
	}
}
