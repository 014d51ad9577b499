package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"helmsman/internal/db"
	"helmsman/internal/machines"
)

func TestCreateMachineSealsCredential(t *testing.T) {
	setupHandlerTest(t)

	rec := postJSON(CreateMachine, "/api/machines", map[string]interface{}{
		"name":          "lab-1",
		"ip_address":    "192.168.1.10",
		"ssh_username":  "root",
		"auth_method":   "password",
		"password":      "hunter2",
		"requires_sudo": false,
		"skip_install":  true,
	}, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var res struct {
		Machine machines.Machine `json:"machine"`
	}
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Machine.Status != machines.StatusInstalling {
		t.Errorf("new machine status = %s, want installing", res.Machine.Status)
	}

	cred, err := machines.GetCredential(db.DB, res.Machine.ID)
	if err != nil || cred == nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if strings.Contains(cred.EncryptedPassword, "hunter2") {
		t.Error("password stored in plaintext")
	}
	if plain, err := Vault.Decrypt(cred.EncryptedPassword); err != nil || plain != "hunter2" {
		t.Errorf("vault round-trip = (%q, %v)", plain, err)
	}
}

func TestCreateMachineValidation(t *testing.T) {
	setupHandlerTest(t)

	cases := []map[string]interface{}{
		{"ip_address": "192.168.1.10", "ssh_username": "root", "auth_method": "password", "password": "x"}, // no name
		{"name": "a", "ip_address": "192.168.1.10", "ssh_username": "root", "auth_method": "password"},     // no password
		{"name": "a", "ip_address": "192.168.1.10", "ssh_username": "root", "auth_method": "magic"},        // bad method
		{"name": "a", "ip_address": "192.168.1.10", "ssh_username": "root", "auth_method": "key"},          // no key
	}
	for i, body := range cases {
		body["skip_install"] = true
		if rec := postJSON(CreateMachine, "/api/machines", body, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, rec.Code)
		}
	}
}

func TestGetMachineNotFound(t *testing.T) {
	setupHandlerTest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/machines/42", nil)
	req.SetPathValue("id", "42")
	rec := httptest.NewRecorder()
	GetMachine(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteMachineCascades(t *testing.T) {
	setupHandlerTest(t)
	m := installingMachine(t, "tok-cascade")

	encrypted, _ := Vault.Encrypt("hunter2")
	machines.SaveCredential(db.DB, &machines.Credential{
		MachineID: m.ID, AuthMethod: machines.AuthPassword, EncryptedPassword: encrypted,
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/machines/1", nil)
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()
	DeleteMachine(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, err := machines.GetByID(db.DB, m.ID); err == nil {
		t.Error("machine still present after delete")
	}
	if cred, _ := machines.GetCredential(db.DB, m.ID); cred != nil {
		t.Error("credential survived machine delete")
	}
}
