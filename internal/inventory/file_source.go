package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"wisefido-presence/internal/config"
	"wisefido-presence/internal/models"

	"gopkg.in/yaml.v3"
)

// FileSource 基于 YAML 文件的配置来源
type FileSource struct {
	path string
	mu   sync.Mutex // 串行化读改写
}

// NewFileSource 创建文件配置来源
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Load 读取并解析配置文件，未出现的参数使用默认值
func (f *FileSource) Load(ctx context.Context) (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}

	doc := &Document{Tunables: config.DefaultTunables()}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory file: %w", err)
	}
	return doc, nil
}

// UpdateCalibration 写回卫星的校准参考值
func (f *FileSource) UpdateCalibration(ctx context.Context, satelliteID string, referenceRSSI float64) error {
	return f.modify(func(sats *[]models.Satellite) error {
		for i := range *sats {
			if (*sats)[i].ID == satelliteID {
				ref := referenceRSSI
				(*sats)[i].ReferenceRSSI = &ref
				return nil
			}
		}
		return fmt.Errorf("satellite not found: %s", satelliteID)
	})
}

// RegisterSatellite 登记新卫星（未分配房间），已存在时不做修改
func (f *FileSource) RegisterSatellite(ctx context.Context, satelliteID string) error {
	return f.modify(func(sats *[]models.Satellite) error {
		for _, sat := range *sats {
			if sat.ID == satelliteID {
				return errUnchanged
			}
		}
		*sats = append(*sats, models.Satellite{ID: satelliteID})
		return nil
	})
}

var errUnchanged = fmt.Errorf("unchanged")

// modify 只改写文件中的 satellites 节点，其余内容（tunables、devices、注释）原样保留
func (f *FileSource) modify(fn func(sats *[]models.Satellite) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read inventory file: %w", err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse inventory file: %w", err)
	}
	if root.Kind == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("inventory file is not a mapping")
	}
	top := root.Content[0]

	var satNode *yaml.Node
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value == "satellites" {
			satNode = top.Content[i+1]
			break
		}
	}

	var sats []models.Satellite
	if satNode != nil {
		if err := satNode.Decode(&sats); err != nil {
			return fmt.Errorf("failed to parse satellites: %w", err)
		}
	}

	if err := fn(&sats); err != nil {
		if err == errUnchanged {
			return nil
		}
		return err
	}

	var encoded yaml.Node
	if err := encoded.Encode(sats); err != nil {
		return fmt.Errorf("failed to encode satellites: %w", err)
	}
	if satNode != nil {
		encoded.HeadComment = satNode.HeadComment
		*satNode = encoded
	} else {
		top.Content = append(top.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "satellites"},
			&encoded,
		)
	}

	out, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("failed to encode inventory file: %w", err)
	}

	// 先写临时文件再 rename，读者看到的总是完整文件
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".presence-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
