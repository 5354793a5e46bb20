package auth

import (
	"errors"
	"testing"

	"valeconecta/internal/domain"
)

func TestAuthorize(t *testing.T) {
	pro := "pro-1"
	task := domain.Task{ID: "t1", ClientID: "cli-1", ProfessionalID: &pro, Status: domain.StatusScheduled}
	client := domain.Caller{ActorID: "cli-1", Role: domain.RoleClient}
	otherClient := domain.Caller{ActorID: "cli-2", Role: domain.RoleClient}
	assignedPro := domain.Caller{ActorID: "pro-1", Role: domain.RoleProfessional}
	otherPro := domain.Caller{ActorID: "pro-2", Role: domain.RoleProfessional}
	adm := domain.Caller{ActorID: "adm", Role: domain.RoleAdmin}

	cases := []struct {
		name   string
		caller domain.Caller
		action Action
		ok     bool
	}{
		{"owner confirms", client, ConfirmCompletion, true},
		{"other client confirms", otherClient, ConfirmCompletion, false},
		{"assigned pro starts", assignedPro, StartService, true},
		{"other pro starts", otherPro, StartService, false},
		{"client starts", client, StartService, false},
		{"admin resolves", adm, ResolveDispute, true},
		{"client resolves", client, ResolveDispute, false},
		{"other pro views scheduled task", otherPro, ViewTask, false},
		{"admin posts", adm, PostMessage, true},
		{"admin contacts support", adm, ContactSupport, false},
		{"anonymous", domain.Caller{Role: domain.RoleAdmin}, GrantBadge, false},
		{"unknown action", adm, Action("launch rockets"), false},
	}
	for _, tc := range cases {
		err := Authorize(tc.caller, task, tc.action)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("%s: expected unauthorized, got %v", tc.name, err)
		}
	}

	task.Status = domain.StatusOpen
	task.ProfessionalID = nil
	if err := Authorize(otherPro, task, ViewTask); err != nil {
		t.Fatalf("professionals browse open tasks: %v", err)
	}
}
