package tmpl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_BundledDefaultsParse(t *testing.T) {
	lib, err := Load("")
	require.NoError(t, err)
	require.True(t, lib.Count() >= 4, "expected all bundled templates to load")

	names := map[string]bool{}
	for _, s := range lib.List() {
		names[s.Name] = true
	}
	require.True(t, names["pihole"])
	require.True(t, names["plex"])
	require.True(t, names["nginx-proxy"])
	require.True(t, names["duckdns"])
}

func TestValidate_RejectsUnresolvedReference(t *testing.T) {
	tmpl := &Template{
		Name: "broken",
		Installation: Installation{
			Method: MethodScript,
			Script: &ScriptInstallation{Script: "echo {{undeclared_var}}"},
		},
	}
	err := Validate(tmpl)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidate_RejectsMalformedCommandProbe(t *testing.T) {
	tmpl := &Template{
		Name: "bad-probe",
		Installation: Installation{
			Method: MethodScript,
			Script: &ScriptInstallation{Script: "echo hi"},
		},
		PostInstall: PostInstall{
			HealthChecks: []HealthProbe{
				{Kind: ProbeCommand, Target: `test -x "/opt/unterminated`, Expected: "0"},
			},
		},
	}
	err := Validate(tmpl)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidate_AcceptsWellFormedCommandProbe(t *testing.T) {
	tmpl := &Template{
		Name: "good-probe",
		Installation: Installation{
			Method: MethodScript,
			Script: &ScriptInstallation{Script: "echo hi"},
		},
		PostInstall: PostInstall{
			HealthChecks: []HealthProbe{
				{Kind: ProbeCommand, Target: "systemctl is-active pihole-FTL", Expected: "0"},
			},
		},
	}
	require.NoError(t, Validate(tmpl))
}

func TestValidate_RejectsUnknownMethod(t *testing.T) {
	tmpl := &Template{
		Name:         "bad-method",
		Installation: Installation{Method: "helm"},
	}
	err := Validate(tmpl)
	require.Error(t, err)
}

func TestRender_DockerComposeSubstitutesVariables(t *testing.T) {
	lib, err := Load("")
	require.NoError(t, err)
	pihole, ok := lib.Get("pihole")
	require.True(t, ok)

	rendered, err := Render(pihole, map[string]any{"web_password": "hunter2"})
	require.NoError(t, err)
	require.NotNil(t, rendered.Compose)

	services := rendered.Compose.Document["services"].(map[string]any)
	svc := services["pihole"].(map[string]any)
	env := svc["environment"].(map[string]any)
	require.Equal(t, "hunter2", env["WEBPASSWORD"])
	require.Equal(t, "UTC", env["TZ"], "default variable value must apply when not overridden")
}

func TestRender_FailsClosedOnMissingRequiredVariable(t *testing.T) {
	lib, err := Load("")
	require.NoError(t, err)
	pihole, ok := lib.Get("pihole")
	require.True(t, ok)

	_, err = Render(pihole, nil)
	require.Error(t, err, "web_password is required and has no default")
}

func TestRender_ConfigDigestIsDeterministic(t *testing.T) {
	lib, err := Load("")
	require.NoError(t, err)
	pihole, _ := lib.Get("pihole")

	r1, err := Render(pihole, map[string]any{"web_password": "x"})
	require.NoError(t, err)
	r2, err := Render(pihole, map[string]any{"web_password": "x"})
	require.NoError(t, err)
	require.Equal(t, r1.ConfigDigest, r2.ConfigDigest)

	r3, err := Render(pihole, map[string]any{"web_password": "y"})
	require.NoError(t, err)
	require.NotEqual(t, r1.ConfigDigest, r3.ConfigDigest, "changing a variable must change the digest")
}

func TestRender_AnsibleProducesFilesAndTasks(t *testing.T) {
	lib, err := Load("")
	require.NoError(t, err)
	plex, ok := lib.Get("plex")
	require.True(t, ok)

	rendered, err := Render(plex, map[string]any{"claim_token": "claim-abc"})
	require.NoError(t, err)
	require.NotNil(t, rendered.Ansible)
	require.Len(t, rendered.Ansible.Files, 1)
	require.Equal(t, "claim-abc", rendered.Ansible.Files[0].Content)
}

func TestRender_TerraformProducesMainTFAndTFVars(t *testing.T) {
	lib, err := Load("")
	require.NoError(t, err)
	proxy, ok := lib.Get("nginx-proxy")
	require.True(t, ok)

	rendered, err := Render(proxy, map[string]any{"domain": "home.lan"})
	require.NoError(t, err)
	require.NotNil(t, rendered.Terraform)
	require.Contains(t, rendered.Terraform.VariablesTFVars, "home.lan")
}

func TestExpr_JoinAndDefault(t *testing.T) {
	node, err := parseExpr(`join(items, "-")`)
	require.NoError(t, err)
	v, err := eval(node, map[string]evalValue{"items": {list: []string{"a", "b", "c"}}})
	require.NoError(t, err)
	require.Equal(t, "a-b-c", v.String())

	node2, err := parseExpr(`default(missing, 5)`)
	require.NoError(t, err)
	v2, err := eval(node2, map[string]evalValue{})
	require.NoError(t, err)
	require.Equal(t, "5", v2.String())
}

func TestExpr_IntegerArithmetic(t *testing.T) {
	node, err := parseExpr("cpu_cores * 2 + 1")
	require.NoError(t, err)
	v, err := eval(node, map[string]evalValue{"cpu_cores": {isInt: true, intVal: 4}})
	require.NoError(t, err)
	require.Equal(t, "9", v.String())
}
