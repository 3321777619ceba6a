package toolkit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kferreira/mdpilot/internal/dispatch"
	"github.com/kferreira/mdpilot/internal/gate"
)

// Gate names affected by the structure executors.
const (
	GateStructureReady     = "structure_ready"
	GateStructureValidated = "structure_validated"
)

var pdbIDPattern = regexp.MustCompile(`^[0-9][A-Za-z0-9]{3}$`)

// standardResidues are the residue names accepted by validation: the
// twenty amino acids plus common protonation variants and caps.
var standardResidues = map[string]bool{
	"ALA": true, "ARG": true, "ASN": true, "ASP": true, "CYS": true,
	"GLN": true, "GLU": true, "GLY": true, "HIS": true, "ILE": true,
	"LEU": true, "LYS": true, "MET": true, "PHE": true, "PRO": true,
	"SER": true, "THR": true, "TRP": true, "TYR": true, "VAL": true,
	"HID": true, "HIE": true, "HIP": true, "CYX": true, "ASH": true,
	"GLH": true, "LYN": true, "ACE": true, "NME": true,
}

// waterResidues are removed by cleaning when remove_waters is set.
var waterResidues = map[string]bool{"HOH": true, "WAT": true, "TIP3": true, "SOL": true}

// fetchExecutor downloads a structure from the PDB archive.
type fetchExecutor struct {
	kit *Kit
}

func (e *fetchExecutor) Execute(ctx context.Context, args map[string]any) (dispatch.ExecResult, error) {
	id := strings.ToUpper(argString(args, "pdb_id"))
	if !pdbIDPattern.MatchString(id) {
		return dispatch.ExecResult{
			Result: fmt.Sprintf("%q is not a valid PDB id", id),
		}, nil
	}

	dir, err := e.kit.ensureDir("structures")
	if err != nil {
		return dispatch.ExecResult{}, err
	}

	url := fmt.Sprintf("%s/%s.pdb", e.kit.cfg.DownloadURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return dispatch.ExecResult{}, err
	}
	resp, err := e.kit.cfg.Client.Do(req)
	if err != nil {
		return dispatch.ExecResult{}, fmt.Errorf("fetching %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return dispatch.ExecResult{
			Result: fmt.Sprintf("structure %s not found in the archive", id),
		}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return dispatch.ExecResult{}, fmt.Errorf("fetching %s: unexpected status %s", id, resp.Status)
	}

	path := filepath.Join(dir, id+".pdb")
	f, err := os.Create(path)
	if err != nil {
		return dispatch.ExecResult{}, err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return dispatch.ExecResult{}, fmt.Errorf("writing %s: %w", path, err)
	}

	e.kit.log.Info("structure fetched", "pdb_id", id, "bytes", n, "path", path)
	return dispatch.ExecResult{
		Success: true,
		Result:  path,
		GateUpdates: []dispatch.GateUpdate{{
			Gate:     GateStructureReady,
			State:    gate.StateOpen,
			Evidence: fmt.Sprintf("fetched %s (%d bytes) to %s", id, n, path),
		}},
	}, nil
}

// cleanExecutor strips heteroatoms (and optionally waters) from a
// structure file. Cleaning changes the coordinates on disk, so it
// blocks the validation gate until the structure is revalidated.
type cleanExecutor struct {
	kit *Kit
}

func (e *cleanExecutor) Execute(_ context.Context, args map[string]any) (dispatch.ExecResult, error) {
	input := argString(args, "input")
	removeWaters := argBool(args, "remove_waters")

	data, err := os.ReadFile(input)
	if err != nil {
		return dispatch.ExecResult{
			Result: fmt.Sprintf("reading %s: %v", input, err),
		}, nil
	}

	var (
		out     strings.Builder
		kept    int
		dropped int
	)
	for _, line := range strings.Split(string(data), "\n") {
		switch recordName(line) {
		case "ATOM", "TER", "END", "ENDMDL", "MODEL", "CRYST1", "HEADER", "TITLE", "SEQRES":
			out.WriteString(line)
			out.WriteByte('\n')
			if recordName(line) == "ATOM" {
				kept++
			}
		case "HETATM":
			res := residueName(line)
			if waterResidues[res] && !removeWaters {
				out.WriteString(line)
				out.WriteByte('\n')
				kept++
				continue
			}
			dropped++
		default:
			// Remarks and connectivity records are dropped.
		}
	}
	if kept == 0 {
		return dispatch.ExecResult{
			Result: fmt.Sprintf("%s has no atoms left after cleaning", input),
		}, nil
	}

	path := cleanedPath(input)
	if err := os.WriteFile(path, []byte(out.String()), 0o644); err != nil {
		return dispatch.ExecResult{}, fmt.Errorf("writing %s: %w", path, err)
	}

	e.kit.log.Info("structure cleaned", "input", input, "output", path,
		"atoms_kept", kept, "atoms_dropped", dropped)
	return dispatch.ExecResult{
		Success: true,
		Result:  path,
		GateUpdates: []dispatch.GateUpdate{
			{
				Gate:     GateStructureReady,
				State:    gate.StateOpen,
				Evidence: fmt.Sprintf("cleaned %s: kept %d atoms, dropped %d heteroatoms", input, kept, dropped),
			},
			{
				Gate:     GateStructureValidated,
				State:    gate.StateBlocked,
				Evidence: "structure modified by cleaning, revalidation required",
			},
		},
	}, nil
}

// validateExecutor runs structural sanity checks over a PDB file.
type validateExecutor struct {
	kit *Kit
}

func (e *validateExecutor) Execute(_ context.Context, args map[string]any) (dispatch.ExecResult, error) {
	input := argString(args, "input")

	data, err := os.ReadFile(input)
	if err != nil {
		return dispatch.ExecResult{
			Result: fmt.Sprintf("reading %s: %v", input, err),
		}, nil
	}

	var (
		atoms      int
		unknownRes = map[string]bool{}
		altLoc     int
		chains     = map[byte]bool{}
	)
	for _, line := range strings.Split(string(data), "\n") {
		if recordName(line) != "ATOM" {
			continue
		}
		atoms++
		res := residueName(line)
		if !standardResidues[res] {
			unknownRes[res] = true
		}
		if len(line) > 16 && line[16] != ' ' {
			altLoc++
		}
		if len(line) > 21 && line[21] != ' ' {
			chains[line[21]] = true
		}
	}

	var issues []string
	if atoms == 0 {
		issues = append(issues, "no ATOM records")
	}
	if len(unknownRes) > 0 {
		names := make([]string, 0, len(unknownRes))
		for r := range unknownRes {
			names = append(names, r)
		}
		issues = append(issues, fmt.Sprintf("nonstandard residues: %s", strings.Join(names, ", ")))
	}
	if altLoc > 0 {
		issues = append(issues, fmt.Sprintf("%d atoms with alternate locations", altLoc))
	}

	if len(issues) > 0 {
		detail := strings.Join(issues, "; ")
		e.kit.log.Warn("structure validation failed", "input", input, "issues", detail)
		return dispatch.ExecResult{
			Result: detail,
			GateUpdates: []dispatch.GateUpdate{{
				Gate:     GateStructureValidated,
				State:    gate.StateBlocked,
				Evidence: detail,
			}},
		}, nil
	}

	summary := fmt.Sprintf("%s: %d atoms, %d chains, all residues standard", input, atoms, len(chains))
	return dispatch.ExecResult{
		Success: true,
		Result:  summary,
		GateUpdates: []dispatch.GateUpdate{{
			Gate:     GateStructureValidated,
			State:    gate.StateOpen,
			Evidence: summary,
		}},
	}, nil
}

func recordName(line string) string {
	if len(line) < 6 {
		return strings.TrimSpace(line)
	}
	return strings.TrimSpace(line[:6])
}

// residueName extracts columns 18-20 of a PDB coordinate record.
func residueName(line string) string {
	if len(line) < 20 {
		return ""
	}
	return strings.TrimSpace(line[17:20])
}

func cleanedPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_clean" + ext
}
