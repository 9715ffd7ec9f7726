package cluster

import (
	"bytes"
	"fmt"
	"path/filepath"
	"text/template"

	"allot/pkg/model"
)

// DefaultOutputTemplate 每个槽位一个输出文件
const DefaultOutputTemplate = "{{.NodeName}}-{{.ProcID}}.out"

// NewTemplateFactory 用 text/template 渲染命令和输出文件名，模板数据是 model.Assignment。
// 例如 "python3 test.py {{.NodeName}} {{.ProcID}}"。
// 相对的输出路径放在 Assignment.OutputDir 下。
func NewTemplateFactory(commands []string, output string) (TaskFactory, error) {
	if len(commands) == 0 {
		return nil, fmt.Errorf("at least one command is required")
	}
	if output == "" {
		output = DefaultOutputTemplate
	}

	cmdTmpls := make([]*template.Template, 0, len(commands))
	for i, c := range commands {
		tmpl, err := template.New(fmt.Sprintf("command-%d", i)).Option("missingkey=error").Parse(c)
		if err != nil {
			return nil, fmt.Errorf("parse command %q: %w", c, err)
		}
		cmdTmpls = append(cmdTmpls, tmpl)
	}
	outTmpl, err := template.New("output").Option("missingkey=error").Parse(output)
	if err != nil {
		return nil, fmt.Errorf("parse output %q: %w", output, err)
	}

	return func(a model.Assignment) (*Task, error) {
		cmds := make([]string, 0, len(cmdTmpls))
		for _, tmpl := range cmdTmpls {
			s, err := render(tmpl, a)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, s)
		}
		out, err := render(outTmpl, a)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(out) {
			out = filepath.Join(a.OutputDir, out)
		}
		return NewTask(cmds, out, a), nil
	}, nil
}

func render(tmpl *template.Template, a model.Assignment) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, a); err != nil {
		return "", err
	}
	return buf.String(), nil
}
